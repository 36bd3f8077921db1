package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"power-monitor/internal/history"
	"power-monitor/pkg/protocol"
)

type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	History HistoryConfig `yaml:"history"`
	HTTP    HTTPConfig    `yaml:"http"`
	Redis   RedisConfig   `yaml:"redis"`
	Log     LogConfig     `yaml:"log"`
	Monitor MonitorConfig `yaml:"monitor"`
}

// DeviceConfig 探头连接
//
// Kind: serial | tcp | replay | demo
type DeviceConfig struct {
	Kind             string        `yaml:"kind"`
	Port             string        `yaml:"port"`
	BaudRate         int           `yaml:"baud_rate"`
	Address          string        `yaml:"address"`
	File             string        `yaml:"file"`
	ReadBuffer       int           `yaml:"read_buffer"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	Reconnect        bool          `yaml:"reconnect"`
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
	AutoStart        bool          `yaml:"auto_start"`
	DemoRate         int           `yaml:"demo_rate"`
}

type HistoryConfig struct {
	Capacity int `yaml:"capacity"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	Channel   string `yaml:"channel"`
	ListLimit int64  `yaml:"list_limit"`
	QueueSize int    `yaml:"queue_size"`
	BatchSize int    `yaml:"batch_size"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MonitorConfig struct {
	Enabled     bool `yaml:"enabled"`
	MetricsPort int  `yaml:"metrics_port"`
}

// LoadConfig 加载配置文件，文件中未出现的字段保持默认值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := GetDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Kind:             "serial",
			Port:             "/dev/ttyACM0",
			BaudRate:         protocol.DefaultBaudRate,
			ReadBuffer:       4096,
			ReadTimeout:      500 * time.Millisecond,
			DialTimeout:      5 * time.Second,
			WriteTimeout:     5 * time.Second,
			Reconnect:        true,
			ReconnectBackoff: 3 * time.Second,
			AutoStart:        true,
			DemoRate:         100,
		},
		History: HistoryConfig{
			Capacity: history.DefaultCapacity,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8080",
		},
		Redis: RedisConfig{
			Enabled:   false,
			Addr:      "localhost:6379",
			Password:  "",
			DB:        0,
			PoolSize:  10,
			Channel:   "power_samples",
			ListLimit: 1000,
			QueueSize: 4096,
			BatchSize: 100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Monitor: MonitorConfig{
			Enabled:     true,
			MetricsPort: 9090,
		},
	}
}

var ErrInvalidConfig = errors.New("配置无效")

// Validate 检查不可能的取值
func (c *Config) Validate() error {
	switch c.Device.Kind {
	case "serial":
		if c.Device.Port == "" {
			return fmt.Errorf("%w: device.port 不能为空", ErrInvalidConfig)
		}
		if c.Device.BaudRate <= 0 {
			return fmt.Errorf("%w: device.baud_rate=%d", ErrInvalidConfig, c.Device.BaudRate)
		}
	case "tcp":
		if c.Device.Address == "" {
			return fmt.Errorf("%w: device.address 不能为空", ErrInvalidConfig)
		}
	case "replay":
		if c.Device.File == "" {
			return fmt.Errorf("%w: device.file 不能为空", ErrInvalidConfig)
		}
	case "demo":
	default:
		return fmt.Errorf("%w: 未知设备类型 %q", ErrInvalidConfig, c.Device.Kind)
	}

	if c.Device.ReadBuffer < protocol.HeaderSize {
		return fmt.Errorf("%w: device.read_buffer=%d", ErrInvalidConfig, c.Device.ReadBuffer)
	}
	if c.History.Capacity <= 0 {
		return fmt.Errorf("%w: history.capacity=%d", ErrInvalidConfig, c.History.Capacity)
	}
	if c.Redis.Enabled && c.Redis.Channel == "" {
		return fmt.Errorf("%w: redis.channel 不能为空", ErrInvalidConfig)
	}
	return nil
}
