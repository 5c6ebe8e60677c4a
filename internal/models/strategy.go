package models

import (
	"fmt"
	"time"
)

// GenericDomain 通配域名,表示策略适用于所有域名
// 通配策略只读,首次成功后由学习层克隆为域名专属副本
const GenericDomain = "*"

// MaxCompositeDepth 复合策略最大嵌套深度,防止病态嵌套
const MaxCompositeDepth = 4

// TargetField 提取目标字段
type TargetField string

const (
	FieldPrice        TargetField = "price"        // 当前售价
	FieldOldPrice     TargetField = "old_price"    // 划线原价
	FieldPixPrice     TargetField = "pix_price"    // PIX支付价
	FieldInstallment  TargetField = "installment"  // 分期方案
	FieldAvailability TargetField = "availability" // 库存状态
	FieldSeller       TargetField = "seller"       // 卖家
	FieldPromotion    TargetField = "promotion"    // 促销标签
)

// RequiredFields 记录成立所必需的字段
var RequiredFields = []TargetField{FieldPrice}

// StrategyKind 策略类型(标签变体)
type StrategyKind string

const (
	KindRegex     StrategyKind = "regex"     // 正则匹配
	KindCSS       StrategyKind = "css"       // CSS选择器
	KindXPath     StrategyKind = "xpath"     // XPath表达式
	KindSemantic  StrategyKind = "semantic"  // 语义标记匹配
	KindComposite StrategyKind = "composite" // 复合管道
)

// RegexScope 正则匹配范围
type RegexScope string

const (
	ScopeDocument RegexScope = "document" // 整个文档HTML
	ScopeSelector RegexScope = "selector" // 指定选择器的文本
)

// TextMode CSS策略取文本的方式
type TextMode string

const (
	TextInner   TextMode = "innerText"   // 渲染后文本
	TextContent TextMode = "textContent" // 原始文本内容
)

// RegexData 正则策略数据
type RegexData struct {
	Pattern    string     `json:"pattern"`            // 正则表达式
	Flags      string     `json:"flags,omitempty"`    // 标志位 (i=忽略大小写, s=单行)
	GroupIndex int        `json:"group_index"`        // 捕获组序号
	Scope      RegexScope `json:"scope"`              // 匹配范围
	Selector   string     `json:"selector,omitempty"` // Scope=selector时的选择器
}

// CSSData CSS策略数据
type CSSData struct {
	Selector     string   `json:"selector"`                // CSS选择器
	Attribute    string   `json:"attribute,omitempty"`     // 取属性而非文本
	TextMode     TextMode `json:"text_mode,omitempty"`     // 文本模式
	ContextTerms []string `json:"context_terms,omitempty"` // 多匹配时优先靠近这些关键词
}

// XPathData XPath策略数据
type XPathData struct {
	Expression string `json:"expression"`          // XPath表达式
	Attribute  string `json:"attribute,omitempty"` // 取属性而非文本
}

// SemanticData 语义策略数据
// 匹配带语义标记的节点(data-price, itemprop=price等),
// 且节点须位于任一上下文关键词的max_distance_chars范围内
type SemanticData struct {
	Attributes       []string `json:"attributes"`         // 属性匹配器, 如 "data-price", "itemprop=price"
	ContextTerms     []string `json:"context_terms"`      // 上下文关键词
	MaxDistanceChars int      `json:"max_distance_chars"` // 与关键词的最大字符距离 (0=不限)
}

// CompositeStep 复合策略的单个步骤
type CompositeStep struct {
	Kind StrategyKind `json:"kind"`
	Data StrategyData `json:"data"`
}

// CompositeData 复合策略数据
// 步骤按顺序执行,每步的选中结果作为下一步的作用域
type CompositeData struct {
	Steps          []CompositeStep `json:"steps"`
	Transformation string          `json:"transformation,omitempty"` // 终端变换, 如 "extract_decimal"
	Validation     *RangeCheck     `json:"validation,omitempty"`     // 数值范围校验
}

// RangeCheck 数值范围校验
type RangeCheck struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// StrategyData 按Kind分发的策略数据(标签变体载荷)
// 只有与Kind对应的字段会被设置
type StrategyData struct {
	Regex     *RegexData     `json:"regex,omitempty"`
	CSS       *CSSData       `json:"css,omitempty"`
	XPath     *XPathData     `json:"xpath,omitempty"`
	Semantic  *SemanticData  `json:"semantic,omitempty"`
	Composite *CompositeData `json:"composite,omitempty"`
}

// Strategy 提取策略
// 由引导程序或变体生成器创建,仅学习层可变更;
// confidence<0.1且attempts>20时退休归档
type Strategy struct {
	ID          string       `json:"id"`
	Domain      string       `json:"domain"` // 域名或 "*"
	TargetField TargetField  `json:"target_field"`
	Kind        StrategyKind `json:"kind"`
	Data        StrategyData `json:"data"`
	Confidence  float64      `json:"confidence"` // [0,1]
	Priority    int          `json:"priority"`   // 越小越先尝试
	Attempts    int          `json:"attempts"`
	Successes   int          `json:"successes"`
	LastSuccess *time.Time   `json:"last_success,omitempty"`
	SampleURLs  []string     `json:"sample_urls,omitempty"`
	ParentID    string       `json:"parent_id,omitempty"` // 变体的父策略ID
}

// NewStrategy 创建策略并分配ID
func NewStrategy(domain string, field TargetField, kind StrategyKind, data StrategyData) *Strategy {
	return &Strategy{
		ID:          generateID(),
		Domain:      domain,
		TargetField: field,
		Kind:        kind,
		Data:        data,
		Confidence:  0.5,
	}
}

// IsGeneric 是否为通配策略
func (s *Strategy) IsGeneric() bool {
	return s.Domain == GenericDomain
}

// SuccessRate 成功率; 无尝试时返回0
func (s *Strategy) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// Score 期望效用评分,用于重排序
func (s *Strategy) Score() float64 {
	return s.Confidence * s.SuccessRate()
}

// Clone 深拷贝策略(新ID,父指向原策略)
func (s *Strategy) Clone() *Strategy {
	c := *s
	c.ID = generateID()
	c.ParentID = s.ID
	c.SampleURLs = append([]string(nil), s.SampleURLs...)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		c.LastSuccess = &t
	}
	return &c
}

// Validate 验证策略不变量
func (s *Strategy) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("策略ID为空")
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("置信度必须在[0,1]之间: %f", s.Confidence)
	}
	if s.Attempts < s.Successes {
		return fmt.Errorf("尝试次数不能小于成功次数: %d < %d", s.Attempts, s.Successes)
	}
	return validateData(s.Kind, s.Data, 0)
}

// validateData 递归验证策略数据与Kind的对应关系
func validateData(kind StrategyKind, data StrategyData, depth int) error {
	if depth > MaxCompositeDepth {
		return fmt.Errorf("复合策略嵌套深度超过%d", MaxCompositeDepth)
	}
	switch kind {
	case KindRegex:
		if data.Regex == nil || data.Regex.Pattern == "" {
			return fmt.Errorf("regex策略缺少pattern")
		}
	case KindCSS:
		if data.CSS == nil || data.CSS.Selector == "" {
			return fmt.Errorf("css策略缺少selector")
		}
	case KindXPath:
		if data.XPath == nil || data.XPath.Expression == "" {
			return fmt.Errorf("xpath策略缺少expression")
		}
	case KindSemantic:
		if data.Semantic == nil || len(data.Semantic.Attributes) == 0 {
			return fmt.Errorf("semantic策略缺少attributes")
		}
	case KindComposite:
		if data.Composite == nil || len(data.Composite.Steps) == 0 {
			return fmt.Errorf("composite策略步骤为空")
		}
		for i, step := range data.Composite.Steps {
			if err := validateData(step.Kind, step.Data, depth+1); err != nil {
				return fmt.Errorf("composite步骤%d: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("未知的策略类型: %s", kind)
	}
	return nil
}
