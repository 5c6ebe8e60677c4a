package extract

import (
	"strings"

	"github.com/RecoveryAshes/precotrack/internal/models"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// matchXPath 执行xpath策略,返回首个节点的文本或属性
func matchXPath(snap *Snapshot, scope scopeSet, data *models.XPathData) (string, bool) {
	roots := []*html.Node{snap.Root}
	if scope != nil {
		roots = scope.nodes()
	}

	for _, root := range roots {
		node, err := htmlquery.Query(root, data.Expression)
		if err != nil || node == nil {
			continue
		}
		if data.Attribute != "" {
			value := strings.TrimSpace(htmlquery.SelectAttr(node, data.Attribute))
			if value != "" {
				return value, true
			}
			continue
		}
		value := strings.TrimSpace(htmlquery.InnerText(node))
		if value != "" {
			return value, true
		}
	}
	return "", false
}

// queryXPathNodes XPath选中的全部节点 (composite管道作用域用)
func queryXPathNodes(snap *Snapshot, scope scopeSet, expression string) []*html.Node {
	roots := []*html.Node{snap.Root}
	if scope != nil {
		roots = scope.nodes()
	}

	var result []*html.Node
	for _, root := range roots {
		nodes, err := htmlquery.QueryAll(root, expression)
		if err != nil {
			continue
		}
		result = append(result, nodes...)
	}
	return result
}
