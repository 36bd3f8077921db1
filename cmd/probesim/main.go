package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"power-monitor/internal/parser"
	"power-monitor/internal/simulator"
	"power-monitor/pkg/protocol"
)

func main() {
	listen := flag.String("listen", "127.0.0.1:4001", "监听地址")
	rate := flag.Int("rate", 100, "每秒帧数")
	seed := flag.Int64("seed", time.Now().UnixNano(), "随机种子")
	corrupt := flag.Float64("corrupt", 0, "单帧比特翻转概率")
	noise := flag.Float64("noise", 0, "帧前插入噪声字节概率")
	maxConns := flag.Int("max-connections", 8, "最大连接数")
	printN := flag.Int("print", 0, "打印 N 个测量帧后退出")
	capture := flag.String("capture", "", "把原始字节流写入文件（供 replay 使用）后退出")
	duration := flag.Duration("duration", 30*time.Second, "capture 时长（按 trace 时间）")
	verbose := flag.BoolP("verbose", "v", false, "调试日志")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	opts := simulator.Options{
		Rate:        *rate,
		Seed:        *seed,
		CorruptRate: *corrupt,
		NoiseRate:   *noise,
	}

	switch {
	case *printN > 0:
		printFrames(opts, *printN)
	case *capture != "":
		if err := captureFile(*capture, opts, *duration); err != nil {
			log.Fatalf("写入失败: %v", err)
		}
		log.Infof("已写入 %s", *capture)
	default:
		ln, err := net.Listen("tcp", *listen)
		if err != nil {
			log.Fatalf("监听失败: %v", err)
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := simulator.NewServer(opts, *maxConns, log)
		go monitorStats(ctx, srv, log)
		if err := srv.Serve(ctx, ln); err != nil {
			log.Fatalf("服务错误: %v", err)
		}
		stats := srv.Stats()
		log.Infof("退出: 连接 %d, 拒绝 %d, 发送帧 %d", stats.TotalConnected, stats.Rejected, stats.FramesSent)
	}
}

// printFrames 打印帧的十六进制和解析结果
func printFrames(opts simulator.Options, n int) {
	trace := simulator.NewTrace(opts.Seed, opts.Rate)
	for i := 0; i < n; i++ {
		t, v, c := trace.Next()
		packet := protocol.EncodeMeasurement(v, c)

		fmt.Printf("数据包 %d (t=%.3fs):\n", i+1, t)
		fmt.Printf("  十六进制: %s\n", hex.EncodeToString(packet))
		fmt.Printf("  字节数组: % x\n", packet)
		fmt.Printf("  Go格式:   []byte{%s}\n", goArray(packet))

		asm := parser.NewAssembler(len(packet))
		asm.Feed(packet, func(f protocol.Frame) {
			s, ok := parser.Decode(f, t)
			if !ok {
				fmt.Println("  错误: 不是测量帧")
				return
			}
			fmt.Printf("  解析结果: %.4f V, %.4f A, %.4f W (校验 0x%02X)\n", s.Voltage, s.Current, s.Power(), f.Checksum)
		})
		fmt.Println()
	}
}

// captureFile 按 trace 时间生成字节流，不等待真实时钟
func captureFile(path string, opts simulator.Options, d time.Duration) error {
	frames := int(d.Seconds() * float64(max(opts.Rate, 1)))
	dev := simulator.NewDevice(opts)
	defer dev.Close()

	if err := os.WriteFile(path, dev.Generate(frames), 0o644); err != nil {
		return fmt.Errorf("写入文件失败: %w", err)
	}
	return nil
}

// monitorStats 定期打印统计
func monitorStats(ctx context.Context, srv *simulator.Server, log *logrus.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := srv.Stats()
			log.Infof("活跃连接: %d, 累计连接: %d, 拒绝: %d, 已完成连接发送帧: %d",
				stats.ActiveDevices, stats.TotalConnected, stats.Rejected, stats.FramesSent)
		}
	}
}

func goArray(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("0x%02X", v)
	}
	return strings.Join(parts, ", ")
}
