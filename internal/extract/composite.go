package extract

import (
	"github.com/PuerkitoBio/goquery"
	"github.com/RecoveryAshes/precotrack/internal/models"
	"golang.org/x/net/html"
)

// nodeScope composite管道的当前作用域: 一组已选中的节点
// nil作用域表示整个文档
type nodeScope struct {
	sel *goquery.Selection
}

// scopeSet 匹配器接受的作用域类型 (nil=全文档)
type scopeSet = *nodeScope

func (n *nodeScope) find(selector string) *goquery.Selection { return n.sel.Find(selector) }
func (n *nodeScope) nodes() []*html.Node                     { return n.sel.Nodes }
func (n *nodeScope) text() string                            { return n.sel.Text() }

// matchComposite 执行composite策略
// 步骤按顺序执行: css/xpath步骤收窄作用域,末步(或regex/semantic步骤)产出值;
// 嵌套深度以MaxCompositeDepth为界
func matchComposite(snap *Snapshot, scope scopeSet, data *models.CompositeData, depth int) (string, bool) {
	if depth > models.MaxCompositeDepth || len(data.Steps) == 0 {
		return "", false
	}

	current := scope
	var value string
	var found bool

	for i, step := range data.Steps {
		last := i == len(data.Steps)-1

		switch step.Kind {
		case models.KindCSS:
			if step.Data.CSS == nil {
				return "", false
			}
			if last {
				value, found = matchCSS(snap, current, step.Data.CSS)
			} else {
				var sel *goquery.Selection
				if current != nil {
					sel = current.find(step.Data.CSS.Selector)
				} else {
					sel = snap.Doc.Find(step.Data.CSS.Selector)
				}
				if sel.Length() == 0 {
					return "", false
				}
				current = &nodeScope{sel: sel}
				continue
			}
		case models.KindXPath:
			if step.Data.XPath == nil {
				return "", false
			}
			if last {
				value, found = matchXPath(snap, current, step.Data.XPath)
			} else {
				nodes := queryXPathNodes(snap, current, step.Data.XPath.Expression)
				if len(nodes) == 0 {
					return "", false
				}
				current = &nodeScope{sel: snap.Doc.FindNodes(nodes...)}
				continue
			}
		case models.KindRegex:
			if step.Data.Regex == nil {
				return "", false
			}
			// regex步骤产出终值,忽略后续步骤
			value, found = matchRegex(snap, current, step.Data.Regex)
		case models.KindSemantic:
			if step.Data.Semantic == nil {
				return "", false
			}
			value, found = matchSemantic(snap, current, step.Data.Semantic)
		case models.KindComposite:
			if step.Data.Composite == nil {
				return "", false
			}
			value, found = matchComposite(snap, current, step.Data.Composite, depth+1)
		default:
			return "", false
		}

		if !found {
			return "", false
		}
		break
	}

	if !found {
		return "", false
	}

	// 终端变换
	if data.Transformation == "extract_decimal" {
		match := brlPattern.FindString(value)
		if match == "" {
			return "", false
		}
		value = match
	}

	// 数值范围校验
	if data.Validation != nil {
		price, err := ParsePrice(value)
		if err != nil {
			return "", false
		}
		if price < data.Validation.Min {
			return "", false
		}
		if data.Validation.Max > 0 && price > data.Validation.Max {
			return "", false
		}
	}

	return value, true
}
