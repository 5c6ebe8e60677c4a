package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/RecoveryAshes/precotrack/internal/models"
)

// defaultContextTerms 价格类字段的默认上下文关键词
var defaultContextTerms = []string{"R$", "preço", "pix"}

// matchCSS 执行css策略
// 多个匹配时优先选择邻近上下文关键词的元素
func matchCSS(snap *Snapshot, scope scopeSet, data *models.CSSData) (string, bool) {
	var sel *goquery.Selection
	if scope != nil {
		sel = scope.find(data.Selector)
	} else {
		sel = snap.Doc.Find(data.Selector)
	}
	if sel.Length() == 0 {
		return "", false
	}

	terms := data.ContextTerms
	if len(terms) == 0 {
		terms = defaultContextTerms
	}

	// 多匹配时: 先找自身或父级文本包含关键词的元素
	chosen := sel.First()
	if sel.Length() > 1 {
		sel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
			context := s.Text()
			if parent := s.Parent(); parent.Length() > 0 {
				context += " " + parent.Text()
			}
			for _, term := range terms {
				if strings.Contains(strings.ToLower(context), strings.ToLower(term)) {
					chosen = s
					return false
				}
			}
			return true
		})
	}

	return elementValue(chosen, data.Attribute)
}

// elementValue 取元素的值: 属性优先, 否则文本
func elementValue(s *goquery.Selection, attribute string) (string, bool) {
	if attribute != "" {
		value, exists := s.Attr(attribute)
		value = strings.TrimSpace(value)
		return value, exists && value != ""
	}
	// meta标签的值在content属性中
	if goquery.NodeName(s) == "meta" {
		if value, exists := s.Attr("content"); exists {
			value = strings.TrimSpace(value)
			return value, value != ""
		}
	}
	text := strings.TrimSpace(s.Text())
	return text, text != ""
}
