// Package extract 实现策略评估器: 对DOM快照应用排序后的策略组合,
// 产出每个目标字段的最佳候选值
package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Snapshot DOM快照
// 序列化HTML + 解析树 + 渲染文本,一次解析多种匹配器共用
type Snapshot struct {
	HTML string            // 原始HTML
	Doc  *goquery.Document // CSS选择器用解析树
	Root *html.Node        // XPath用根节点
	Text string            // 渲染文本(近似, 标签剥离+空白折叠)
}

// NewSnapshot 解析HTML构建快照
func NewSnapshot(rawHTML string) (*Snapshot, error) {
	root, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("解析HTML失败: %w", err)
	}
	doc := goquery.NewDocumentFromNode(root)

	// 渲染文本用独立解析树,避免Remove()污染选择器/XPath共用的树
	textRoot, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("解析HTML失败: %w", err)
	}
	textDoc := goquery.NewDocumentFromNode(textRoot)
	textDoc.Find("script,style,noscript").Remove()

	return &Snapshot{
		HTML: rawHTML,
		Doc:  doc,
		Root: root,
		Text: collapseSpace(textDoc.Text()),
	}, nil
}

// collapseSpace 折叠连续空白为单个空格,近似浏览器innerText
func collapseSpace(text string) string {
	var sb strings.Builder
	lastSpace := false
	for _, r := range text {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if !lastSpace && sb.Len() > 0 {
				sb.WriteRune(' ')
			}
			lastSpace = true
			continue
		}
		sb.WriteRune(r)
		lastSpace = false
	}
	return strings.TrimSpace(sb.String())
}
