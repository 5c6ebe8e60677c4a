package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/RecoveryAshes/precotrack/internal/models"
)

// matchSemantic 执行semantic策略
// 匹配带语义标记的节点(data-price, itemprop=price等),
// 且节点文本须位于任一上下文关键词的max_distance_chars范围内
func matchSemantic(snap *Snapshot, scope scopeSet, data *models.SemanticData) (string, bool) {
	for _, matcher := range data.Attributes {
		selector := semanticSelector(matcher)
		if selector == "" {
			continue
		}

		var sel *goquery.Selection
		if scope != nil {
			sel = scope.find(selector)
		} else {
			sel = snap.Doc.Find(selector)
		}

		var value string
		found := false
		sel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
			v, ok := elementValue(s, "")
			if !ok {
				return true
			}
			if !withinContext(snap.Text, v, data.ContextTerms, data.MaxDistanceChars) {
				return true
			}
			value = v
			found = true
			return false
		})
		if found {
			return value, true
		}
	}
	return "", false
}

// semanticSelector 将属性匹配器转为CSS选择器
// "data-price" -> [data-price]; "itemprop=price" -> [itemprop="price"]
func semanticSelector(matcher string) string {
	matcher = strings.TrimSpace(matcher)
	if matcher == "" {
		return ""
	}
	if name, value, ok := strings.Cut(matcher, "="); ok {
		return `[` + strings.TrimSpace(name) + `="` + strings.TrimSpace(value) + `"]`
	}
	return `[` + matcher + `]`
}

// withinContext 检查值在渲染文本中是否邻近任一上下文关键词
// maxDistance<=0或无关键词时不做距离约束
func withinContext(rendered, value string, terms []string, maxDistance int) bool {
	if maxDistance <= 0 || len(terms) == 0 {
		return true
	}

	lowerText := strings.ToLower(rendered)
	valueIdx := strings.Index(lowerText, strings.ToLower(value))
	if valueIdx < 0 {
		// 值不在渲染文本中(属性值等),无法测距,放行
		return true
	}

	for _, term := range terms {
		termIdx := strings.Index(lowerText, strings.ToLower(term))
		for termIdx >= 0 {
			distance := valueIdx - termIdx
			if distance < 0 {
				distance = -distance
			}
			if distance <= maxDistance {
				return true
			}
			next := strings.Index(lowerText[termIdx+1:], strings.ToLower(term))
			if next < 0 {
				break
			}
			termIdx = termIdx + 1 + next
		}
	}
	return false
}
