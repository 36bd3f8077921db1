package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"power-monitor/internal/config"
	"power-monitor/internal/server"
	"power-monitor/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
)

func main() {
	// 命令行参数
	configFile := flag.StringP("config", "c", "configs/config.yaml", "配置文件路径")
	showVersion := flag.Bool("version", false, "显示版本信息")
	listPorts := flag.Bool("list-ports", false, "列出可用串口")
	kind := flag.String("kind", "", "传输类型覆盖 (serial|tcp|replay|demo)")
	port := flag.String("port", "", "串口设备覆盖")
	address := flag.String("address", "", "TCP 地址覆盖")
	file := flag.String("file", "", "回放文件覆盖")
	httpAddr := flag.String("http", "", "HTTP 监听地址覆盖")
	logLevel := flag.String("log-level", "", "日志级别覆盖")
	flag.Parse()

	// 显示版本
	if *showVersion {
		fmt.Printf("Power Monitor v%s (Build: %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	if *listPorts {
		ports, err := transport.ListPorts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "列出串口失败: %v\n", err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		os.Exit(0)
	}

	// 加载配置
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		cfg = config.GetDefaultConfig()
		fmt.Println("使用默认配置")
	}

	applyOverrides(cfg, overrides{
		kind:     *kind,
		port:     *port,
		address:  *address,
		file:     *file,
		httpAddr: *httpAddr,
		logLevel: *logLevel,
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置无效: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	log := setupLogger(cfg.Log)
	log.Infof("Power Monitor v%s 启动中...", Version)
	log.Infof("配置文件: %s", *configFile)

	// 创建并启动服务器
	srv, err := server.NewServer(cfg, log)
	if err != nil {
		log.Fatalf("创建服务器失败: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("服务器异常退出: %v", err)
	}
}

type overrides struct {
	kind, port, address, file, httpAddr, logLevel string
}

// applyOverrides 命令行参数优先于配置文件
func applyOverrides(cfg *config.Config, o overrides) {
	if o.kind != "" {
		cfg.Device.Kind = o.kind
	}
	if o.port != "" {
		cfg.Device.Port = o.port
	}
	if o.address != "" {
		cfg.Device.Address = o.address
	}
	if o.file != "" {
		cfg.Device.File = o.file
	}
	if o.httpAddr != "" {
		cfg.HTTP.Enabled = true
		cfg.HTTP.Addr = o.httpAddr
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
}

func setupLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()

	// 设置日志级别
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	// 设置日志格式
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	// 设置输出
	if cfg.Output == "file" && cfg.FilePath != "" {
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			log.SetOutput(file)
		} else {
			log.Warnf("打开日志文件失败: %v, 使用标准输出", err)
		}
	}

	return log
}
