package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config 全局配置结构体
type Config struct {
	Connection string         `mapstructure:"connection"` // 连接字符串（空=USB自动查找）
	Serial     SerialConfig   `mapstructure:"serial"`
	Recorder   RecorderConfig `mapstructure:"recorder"`
	Storage    StorageConfig  `mapstructure:"storage"`
	Log        LogConfig      `mapstructure:"log"`
	System     SystemConfig   `mapstructure:"system"`
}

// SerialConfig 串口连接配置
type SerialConfig struct {
	BaudRate    int           `mapstructure:"baud_rate" validate:"gte=0"`
	PollTimeout time.Duration `mapstructure:"poll_timeout" validate:"gte=0"`
}

// RecorderConfig 记录采集配置
type RecorderConfig struct {
	AveragingPeriod float64      `mapstructure:"averaging_period" validate:"gt=0"` // 记录平均周期（秒）
	SettlingTime    float64      `mapstructure:"settling_time" validate:"gt=0"`    // 模式切换后的稳定时间（秒）
	CycleShift      float64      `mapstructure:"cycle_shift"`                      // 测量循环相位偏移（秒）
	Cycle           []CyclePhase `mapstructure:"cycle" validate:"min=1,dive"`      // 测量循环
	OutputDir       string       `mapstructure:"output_dir" validate:"required"`   // 记录文件输出目录

	AllowPowerFromUSBData    bool `mapstructure:"allow_power_from_usb_data"`
	BlowersEnabledDuringZero bool `mapstructure:"blowers_enabled_during_zero"`

	// CustomSettings 附加的设备设置，覆盖上面派生的设置项
	CustomSettings map[string]interface{} `mapstructure:"custom_settings"`

	MultiDevice    bool          `mapstructure:"multi_device"`                    // 多设备模式（USB自动发现）
	RescanInterval time.Duration `mapstructure:"rescan_interval" validate:"gt=0"` // 设备重新扫描间隔
}

// CyclePhase 测量循环中的一个阶段
type CyclePhase struct {
	Mode     string  `mapstructure:"mode" validate:"required,oneof=run run_swapped zero stop"`
	Duration float64 `mapstructure:"duration" validate:"gt=0"` // 阶段时长（秒）
}

// StorageConfig 存储配置
type StorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn" validate:"required_if=Enabled true"` // SQLite数据库路径
	LogComm bool   `mapstructure:"log_comm"`                                // 是否持久化通信日志
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level" validate:"omitempty,oneof=debug info warn error fatal"`
	Format  string            `mapstructure:"format" validate:"omitempty,oneof=json console"`
	Output  string            `mapstructure:"output" validate:"omitempty,oneof=stdout file both"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	Timezone string `mapstructure:"timezone"` // IANA时区名，记录文件时间戳使用
}

var (
	cfg      *Config
	once     sync.Once
	mu       sync.RWMutex
	v        *viper.Viper
	validate = validator.New()
)

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = viper.New()

		// 设置配置文件路径
		if configPath != "" {
			v.SetConfigFile(configPath)
		} else {
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			v.AddConfigPath("./config")
			v.AddConfigPath(".")
		}

		// 设置环境变量前缀
		v.SetEnvPrefix("TIC")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		// 设置默认值
		setDefaults(v)

		// 读取配置文件
		if err = v.ReadInConfig(); err != nil {
			// 如果配置文件不存在，使用默认配置
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return
			}
			err = nil
		}

		// 解析配置到结构体
		cfg = &Config{}
		if err = v.Unmarshal(cfg); err != nil {
			return
		}

		// 静态校验
		err = Validate(cfg)
	})

	return err
}

// Validate 校验配置
func Validate(c *Config) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 连接默认配置
	v.SetDefault("connection", "")
	v.SetDefault("serial.baud_rate", 115200)
	v.SetDefault("serial.poll_timeout", "100ms")

	// 采集默认配置
	v.SetDefault("recorder.averaging_period", 10.0)
	v.SetDefault("recorder.settling_time", 30.0)
	v.SetDefault("recorder.cycle_shift", 0.0)
	v.SetDefault("recorder.cycle", []map[string]interface{}{
		{"mode": "zero", "duration": 60.0},
		{"mode": "run", "duration": 120.0},
	})
	v.SetDefault("recorder.output_dir", "./data")
	v.SetDefault("recorder.allow_power_from_usb_data", true)
	v.SetDefault("recorder.blowers_enabled_during_zero", true)
	v.SetDefault("recorder.multi_device", false)
	v.SetDefault("recorder.rescan_interval", "1s")

	// 存储默认配置
	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.dsn", "./data/tic-records.db")
	v.SetDefault("storage.log_comm", false)

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "tic-recorder.log")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)

	// 系统默认配置
	v.SetDefault("system.timezone", "UTC")
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
func Watch(callback func(*Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()

		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}

		if err := Validate(newCfg); err != nil {
			fmt.Printf("配置校验失败: %v\n", err)
			return
		}

		cfg = newCfg

		if callback != nil {
			callback(cfg)
		}

		fmt.Println("配置已重新加载")
	})
}

// GetString 获取字符串配置
func GetString(key string) string {
	return v.GetString(key)
}

// GetDuration 获取时间间隔配置
func GetDuration(key string) time.Duration {
	return v.GetDuration(key)
}

// IsSet 检查配置项是否存在
func IsSet(key string) bool {
	return v.IsSet(key)
}
