package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/RecoveryAshes/precotrack/internal/models"
	"github.com/spf13/viper"
)

// DefaultSeedFile 默认种子策略配置文件路径
const DefaultSeedFile = "configs/seeds.yaml"

//go:embed seeds_template.yaml
var defaultSeedTemplate string

// SeedEntry YAML中的单条种子策略定义
type SeedEntry struct {
	TargetField  string   `mapstructure:"target_field"`
	Kind         string   `mapstructure:"kind"`
	Selector     string   `mapstructure:"selector"`  // css/xpath
	Attribute    string   `mapstructure:"attribute"` // css/xpath可选
	Pattern      string   `mapstructure:"pattern"`   // regex
	GroupIndex   int      `mapstructure:"group_index"`
	Attributes   []string `mapstructure:"attributes"` // semantic
	ContextTerms []string `mapstructure:"context_terms"`
	Priority     int      `mapstructure:"priority"`
	Confidence   float64  `mapstructure:"confidence"`
}

// SeedLoader 种子策略配置加载器
type SeedLoader struct {
	configPath string
}

// NewSeedLoader 创建种子策略加载器
func NewSeedLoader(configPath string) *SeedLoader {
	if configPath == "" {
		configPath = DefaultSeedFile
	}
	return &SeedLoader{configPath: configPath}
}

// LoadSeeds 加载域名专属种子策略
// 文件不存在时自动生成模板并返回空集
func (sl *SeedLoader) LoadSeeds() (map[string][]*models.Strategy, error) {
	if _, err := os.Stat(sl.configPath); os.IsNotExist(err) {
		dir := filepath.Dir(sl.configPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("无法创建配置目录 [%s]: %w", dir, err)
		}
		if err := os.WriteFile(sl.configPath, []byte(defaultSeedTemplate), 0644); err != nil {
			return nil, fmt.Errorf("无法生成种子配置文件 [%s]: %w", sl.configPath, err)
		}
	}

	v := viper.New()
	v.SetConfigFile(sl.configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, &models.ConfigError{FilePath: sl.configPath, Cause: err}
	}

	var raw struct {
		Seeds map[string][]SeedEntry `mapstructure:"seeds"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return nil, &models.ConfigError{
			FilePath: sl.configPath,
			Cause:    fmt.Errorf("配置绑定失败: %w", err),
		}
	}

	result := make(map[string][]*models.Strategy, len(raw.Seeds))
	for domain, entries := range raw.Seeds {
		for i, entry := range entries {
			strategy, err := entry.ToStrategy(domain)
			if err != nil {
				return nil, &models.ConfigError{
					FilePath: sl.configPath,
					Cause:    fmt.Errorf("域名%s种子%d无效: %w", domain, i, err),
				}
			}
			result[domain] = append(result[domain], strategy)
		}
	}
	return result, nil
}

// ToStrategy 将YAML种子定义转换为策略
func (e SeedEntry) ToStrategy(domain string) (*models.Strategy, error) {
	var data models.StrategyData

	kind := models.StrategyKind(e.Kind)
	switch kind {
	case models.KindRegex:
		data.Regex = &models.RegexData{
			Pattern:    e.Pattern,
			GroupIndex: e.GroupIndex,
			Scope:      models.ScopeDocument,
		}
	case models.KindCSS:
		data.CSS = &models.CSSData{
			Selector:     e.Selector,
			Attribute:    e.Attribute,
			ContextTerms: e.ContextTerms,
		}
	case models.KindXPath:
		data.XPath = &models.XPathData{
			Expression: e.Selector,
			Attribute:  e.Attribute,
		}
	case models.KindSemantic:
		data.Semantic = &models.SemanticData{
			Attributes:   e.Attributes,
			ContextTerms: e.ContextTerms,
		}
	default:
		return nil, fmt.Errorf("不支持的种子策略类型: %s", e.Kind)
	}

	s := models.NewStrategy(domain, models.TargetField(e.TargetField), kind, data)
	s.Priority = e.Priority
	if e.Confidence > 0 {
		s.Confidence = e.Confidence
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
