package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/RecoveryAshes/precotrack/internal/models"
	"github.com/spf13/viper"
)

const (
	// DefaultFingerprintFile 默认指纹配置文件路径
	DefaultFingerprintFile = "configs/fingerprints.yaml"

	// MaxConfigFileSize 配置文件最大大小 (1MB)
	MaxConfigFileSize = 1 * 1024 * 1024
)

//go:embed fingerprints_template.yaml
var defaultFingerprintTemplate string

// FingerprintConfig 指纹配置文件内容
type FingerprintConfig struct {
	Profiles []models.FingerprintProfile `mapstructure:"profiles"`
	Domains  map[string][]string         `mapstructure:"domains"` // 域名 -> 首选profile名称
}

// FingerprintLoader 指纹配置文件加载器
type FingerprintLoader struct {
	configPath string
}

// NewFingerprintLoader 创建指纹配置加载器
func NewFingerprintLoader(configPath string) *FingerprintLoader {
	if configPath == "" {
		configPath = DefaultFingerprintFile
	}
	return &FingerprintLoader{configPath: configPath}
}

// EnsureConfigExists 确保配置文件存在,如不存在则自动生成模板
func (fl *FingerprintLoader) EnsureConfigExists() error {
	if _, err := os.Stat(fl.configPath); os.IsNotExist(err) {
		dir := filepath.Dir(fl.configPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("无法创建配置目录 [%s]: %w", dir, err)
		}
		if err := os.WriteFile(fl.configPath, []byte(defaultFingerprintTemplate), 0644); err != nil {
			return fmt.Errorf("无法生成指纹配置文件 [%s]: %w", fl.configPath, err)
		}
	}
	return nil
}

// LoadConfig 加载并解析指纹配置
// 执行流程:
//  1. 确保配置文件存在 (不存在则自动创建模板)
//  2. 验证文件大小
//  3. 使用Viper解析YAML并绑定结构体
func (fl *FingerprintLoader) LoadConfig() (*FingerprintConfig, error) {
	if err := fl.EnsureConfigExists(); err != nil {
		return nil, err
	}

	info, err := os.Stat(fl.configPath)
	if err != nil {
		return nil, fmt.Errorf("无法读取配置文件信息 [%s]: %w", fl.configPath, err)
	}
	if info.Size() > MaxConfigFileSize {
		return nil, &models.ConfigError{
			FilePath: fl.configPath,
			Cause:    fmt.Errorf("配置文件过大: %d 字节 (最大 %d 字节)", info.Size(), MaxConfigFileSize),
		}
	}

	v := viper.New()
	v.SetConfigFile(fl.configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, &models.ConfigError{FilePath: fl.configPath, Cause: err}
	}

	var config FingerprintConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, &models.ConfigError{
			FilePath: fl.configPath,
			Cause:    fmt.Errorf("配置绑定失败: %w", err),
		}
	}

	if len(config.Profiles) == 0 {
		return nil, &models.ConfigError{
			FilePath: fl.configPath,
			Cause:    fmt.Errorf("指纹配置中没有任何profile"),
		}
	}
	if config.Domains == nil {
		config.Domains = make(map[string][]string)
	}

	return &config, nil
}
