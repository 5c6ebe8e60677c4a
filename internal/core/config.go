package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/RecoveryAshes/precotrack/internal/models"
	"github.com/spf13/viper"
)

// Config 应用程序配置
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Learning  LearningConfig  `mapstructure:"learning"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Resource  ResourceConfig  `mapstructure:"resource"`

	// 指纹与种子配置文件路径
	FingerprintFile string `mapstructure:"fingerprint_file"`
	SeedFile        string `mapstructure:"seed_file"`
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	TickInterval   time.Duration `mapstructure:"tick_interval"`   // 调度周期 (默认60s)
	JitterFraction float64       `mapstructure:"jitter_fraction"` // 抖动比例 (默认±0.083)
	SuccessFloor   float64       `mapstructure:"success_floor"`   // 24h成功率下限 (默认0.5)
}

// QueueConfig 并发队列配置
type QueueConfig struct {
	MaxPending     int           `mapstructure:"max_pending"`     // 最大待处理数 (默认10000)
	MaxConcurrency int           `mapstructure:"max_concurrency"` // 全局并发上限 (默认10)
	MaxPerDomain   int           `mapstructure:"max_per_domain"`  // 单域名并发上限 (默认2)
	RatePerSecond  float64       `mapstructure:"rate_per_second"` // 令牌桶速率 (默认0.2)
	Burst          int           `mapstructure:"burst"`           // 令牌桶容量 (默认3)
	MaxRetries     int           `mapstructure:"max_retries"`     // 瞬时失败最大重试 (默认3)
	BackoffBase    time.Duration `mapstructure:"backoff_base"`    // 退避基数
	BackoffCap     time.Duration `mapstructure:"backoff_cap"`     // 退避上限 (默认10min)
}

// EngineConfig 提取引擎配置
type EngineConfig struct {
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"` // 导航硬超时 (默认30s)
	NavigationMax     time.Duration `mapstructure:"navigation_max"`     // 自适应延长上限 (默认60s)
	AttemptDeadline   time.Duration `mapstructure:"attempt_deadline"`   // 单次尝试总预算 (默认90s)
	ReadyFloor        time.Duration `mapstructure:"ready_floor"`        // 就绪等待下限 (默认1.5s, 等待懒加载价格)
	CooldownBase      time.Duration `mapstructure:"cooldown_base"`      // 冷却基数
	CooldownMax       time.Duration `mapstructure:"cooldown_max"`       // 冷却上限
	CooldownMult      float64       `mapstructure:"cooldown_block_multiplier"`
}

// LearningConfig 学习层配置
type LearningConfig struct {
	ReprioritizeEvery int     `mapstructure:"reprioritize_every"`  // 每域名N次尝试后重排序 (默认50)
	VariantEvery      int     `mapstructure:"variant_every"`       // 每N次尝试生成变体 (默认200)
	VariantFanout     int     `mapstructure:"variant_fanout"`      // 单次变体数量上限 (默认3)
	RetireConfidence  float64 `mapstructure:"retire_confidence"`   // 退休置信度阈值 (默认0.1)
	RetireMinAttempts int     `mapstructure:"retire_min_attempts"` // 退休最小尝试数 (默认20)
}

// BrowserConfig 浏览器池配置
type BrowserConfig struct {
	MaxBrowsers int  `mapstructure:"max_browsers"` // 浏览器实例数量上限 (每个代理端点一个实例)
	Headless    bool `mapstructure:"headless"`
}

// ProxyConfig 代理配置
type ProxyConfig struct {
	Endpoints       []string      `mapstructure:"endpoints"`        // 代理端点URL列表
	RefreshInterval time.Duration `mapstructure:"refresh_interval"` // 健康快照刷新周期
}

// StoreConfig 存储配置
type StoreConfig struct {
	Path        string `mapstructure:"path"`         // SQLite数据库路径
	BufferLimit int    `mapstructure:"buffer_limit"` // 存储故障时内存缓冲上限
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level    string         `mapstructure:"level"`
	LogDir   string         `mapstructure:"log_dir"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig 日志轮转配置
type RotationConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"`
	Compress   bool `mapstructure:"compress"`
}

// ResourceConfig 资源限制配置 (浏览器池自适应缩放)
type ResourceConfig struct {
	SafetyReserveMemory int `mapstructure:"safety_reserve_memory"` // 安全保留内存(MB)
	SafetyThreshold     int `mapstructure:"safety_threshold"`      // 安全阈值(MB)
	CPULoadThreshold    int `mapstructure:"cpu_load_threshold"`    // CPU负载阈值(%)
	MaxSessionsLimit    int `mapstructure:"max_sessions_limit"`    // 绝对最大会话数
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置配置文件
	if configPath != "" {
		// 使用指定的配置文件
		v.SetConfigFile(configPath)
	} else {
		// 搜索默认位置
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		// 添加配置搜索路径
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")

		// 用户主目录
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".precotrack"))
		}
	}

	// 设置默认值
	setDefaults(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		// 如果配置文件不存在,使用默认值
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, &models.ConfigError{FilePath: v.ConfigFileUsed(), Cause: err}
		}
	}

	// 解析配置
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, &models.ConfigError{
			FilePath: v.ConfigFileUsed(),
			Cause:    fmt.Errorf("解析配置文件失败: %w", err),
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 调度器默认值
	v.SetDefault("scheduler.tick_interval", "60s")
	v.SetDefault("scheduler.jitter_fraction", 0.083)
	v.SetDefault("scheduler.success_floor", 0.5)

	// 队列默认值
	v.SetDefault("queue.max_pending", 10000)
	v.SetDefault("queue.max_concurrency", 10)
	v.SetDefault("queue.max_per_domain", 2)
	v.SetDefault("queue.rate_per_second", 0.2)
	v.SetDefault("queue.burst", 3)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.backoff_base", "5s")
	v.SetDefault("queue.backoff_cap", "10m")

	// 引擎默认值
	v.SetDefault("engine.navigation_timeout", "30s")
	v.SetDefault("engine.navigation_max", "60s")
	v.SetDefault("engine.attempt_deadline", "90s")
	v.SetDefault("engine.ready_floor", "1500ms")
	v.SetDefault("engine.cooldown_base", "60s")
	v.SetDefault("engine.cooldown_max", "6h")
	v.SetDefault("engine.cooldown_block_multiplier", 2.0)

	// 学习层默认值
	v.SetDefault("learning.reprioritize_every", 50)
	v.SetDefault("learning.variant_every", 200)
	v.SetDefault("learning.variant_fanout", 3)
	v.SetDefault("learning.retire_confidence", 0.1)
	v.SetDefault("learning.retire_min_attempts", 20)

	// 浏览器默认值
	v.SetDefault("browser.max_browsers", 4)
	v.SetDefault("browser.headless", true)

	// 代理默认值
	v.SetDefault("proxy.endpoints", []string{})
	v.SetDefault("proxy.refresh_interval", "30s")

	// 存储默认值
	v.SetDefault("store.path", "precotrack.db")
	v.SetDefault("store.buffer_limit", 1000)

	// 日志默认值
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.log_dir", "logs")
	v.SetDefault("logging.rotation.max_size", 10)
	v.SetDefault("logging.rotation.max_backups", 3)
	v.SetDefault("logging.rotation.max_age", 28)
	v.SetDefault("logging.rotation.compress", true)

	// 资源默认值
	v.SetDefault("resource.safety_reserve_memory", 1024)
	v.SetDefault("resource.safety_threshold", 500)
	v.SetDefault("resource.cpu_load_threshold", 80)
	v.SetDefault("resource.max_sessions_limit", 16)

	// 指纹与种子配置
	v.SetDefault("fingerprint_file", "")
	v.SetDefault("seed_file", "")
}

// Validate 验证配置合法性; 非法配置为致命错误,进程拒绝启动
func (c *Config) Validate() error {
	if c.Queue.MaxConcurrency < 1 {
		return &models.ConfigError{FilePath: "queue.max_concurrency",
			Cause: fmt.Errorf("全局并发必须≥1: %d", c.Queue.MaxConcurrency)}
	}
	if c.Queue.MaxPerDomain < 1 || c.Queue.MaxPerDomain > c.Queue.MaxConcurrency {
		return &models.ConfigError{FilePath: "queue.max_per_domain",
			Cause: fmt.Errorf("单域名并发必须在1和max_concurrency之间: %d", c.Queue.MaxPerDomain)}
	}
	if c.Queue.RatePerSecond <= 0 {
		return &models.ConfigError{FilePath: "queue.rate_per_second",
			Cause: fmt.Errorf("令牌速率必须为正: %f", c.Queue.RatePerSecond)}
	}
	if c.Queue.Burst < 1 {
		return &models.ConfigError{FilePath: "queue.burst",
			Cause: fmt.Errorf("令牌桶容量必须≥1: %d", c.Queue.Burst)}
	}
	if c.Scheduler.TickInterval <= 0 {
		return &models.ConfigError{FilePath: "scheduler.tick_interval",
			Cause: fmt.Errorf("调度周期必须为正: %s", c.Scheduler.TickInterval)}
	}
	if c.Scheduler.JitterFraction < 0 || c.Scheduler.JitterFraction >= 1 {
		return &models.ConfigError{FilePath: "scheduler.jitter_fraction",
			Cause: fmt.Errorf("抖动比例必须在[0,1)之间: %f", c.Scheduler.JitterFraction)}
	}
	if c.Engine.NavigationTimeout <= 0 || c.Engine.NavigationMax < c.Engine.NavigationTimeout {
		return &models.ConfigError{FilePath: "engine.navigation_timeout",
			Cause: fmt.Errorf("导航超时配置无效: timeout=%s max=%s",
				c.Engine.NavigationTimeout, c.Engine.NavigationMax)}
	}
	if c.Engine.CooldownMult < 1 {
		return &models.ConfigError{FilePath: "engine.cooldown_block_multiplier",
			Cause: fmt.Errorf("冷却倍率必须≥1: %f", c.Engine.CooldownMult)}
	}
	if c.Learning.RetireConfidence < 0 || c.Learning.RetireConfidence > 1 {
		return &models.ConfigError{FilePath: "learning.retire_confidence",
			Cause: fmt.Errorf("退休置信度必须在[0,1]之间: %f", c.Learning.RetireConfidence)}
	}
	if c.Learning.VariantFanout < 0 {
		return &models.ConfigError{FilePath: "learning.variant_fanout",
			Cause: fmt.Errorf("变体数量不能为负: %d", c.Learning.VariantFanout)}
	}
	return nil
}
