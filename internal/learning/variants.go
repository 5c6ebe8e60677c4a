package learning

import (
	"strings"

	"github.com/RecoveryAshes/precotrack/internal/models"
)

// generateVariants 通过小幅变异产生子策略
// 子策略继承parent_id, confidence=0.5×父置信度, priority=父priority+1, attempts=0
func generateVariants(parent *models.Strategy, fanout int) []*models.Strategy {
	if fanout <= 0 {
		return nil
	}

	var datas []models.StrategyData
	switch parent.Kind {
	case models.KindCSS:
		datas = cssVariants(parent.Data.CSS)
	case models.KindXPath:
		datas = xpathVariants(parent.Data.XPath)
	case models.KindRegex:
		datas = regexVariants(parent.Data.Regex)
	case models.KindSemantic:
		datas = semanticVariants(parent.Data.Semantic)
	case models.KindComposite:
		datas = compositeVariants(parent.Data.Composite)
	}

	if len(datas) > fanout {
		datas = datas[:fanout]
	}

	children := make([]*models.Strategy, 0, len(datas))
	for _, data := range datas {
		child := models.NewStrategy(parent.Domain, parent.TargetField, parent.Kind, data)
		child.ParentID = parent.ID
		child.Confidence = 0.5 * parent.Confidence
		child.Priority = parent.Priority + 1
		if err := child.Validate(); err != nil {
			continue
		}
		children = append(children, child)
	}
	return children
}

// cssVariants CSS选择器变异: 放宽(去掉一个限定符)/收紧(追加:first-child)/换祖先
func cssVariants(data *models.CSSData) []models.StrategyData {
	if data == nil {
		return nil
	}
	var result []models.StrategyData

	// 放宽: 去掉最后一个限定符
	if parts := strings.Fields(data.Selector); len(parts) > 1 {
		widened := *data
		widened.Selector = strings.Join(parts[:len(parts)-1], " ")
		result = append(result, models.StrategyData{CSS: &widened})
	} else if idx := strings.LastIndexAny(data.Selector, ".#"); idx > 0 {
		widened := *data
		widened.Selector = data.Selector[:idx]
		result = append(result, models.StrategyData{CSS: &widened})
	}

	// 收紧: 只取首个匹配
	if !strings.HasSuffix(data.Selector, ":first-child") {
		tightened := *data
		tightened.Selector = data.Selector + ":first-child"
		result = append(result, models.StrategyData{CSS: &tightened})
	}

	// 前置备选祖先
	ancestored := *data
	ancestored.Selector = "div " + data.Selector
	result = append(result, models.StrategyData{CSS: &ancestored})

	return result
}

// xpathVariants XPath变异: 去掉尾部谓词/限定首节点/放宽祖先
func xpathVariants(data *models.XPathData) []models.StrategyData {
	if data == nil {
		return nil
	}
	var result []models.StrategyData

	// 放宽: 去掉尾部谓词
	if idx := strings.LastIndex(data.Expression, "["); idx > 0 && strings.HasSuffix(data.Expression, "]") {
		widened := *data
		widened.Expression = data.Expression[:idx]
		result = append(result, models.StrategyData{XPath: &widened})
	}

	// 收紧: 限定首个节点
	if !strings.HasSuffix(data.Expression, "[1]") {
		tightened := *data
		tightened.Expression = data.Expression + "[1]"
		result = append(result, models.StrategyData{XPath: &tightened})
	}

	// 放宽祖先轴
	if strings.HasPrefix(data.Expression, "/") && !strings.HasPrefix(data.Expression, "//") {
		loosened := *data
		loosened.Expression = "/" + data.Expression
		result = append(result, models.StrategyData{XPath: &loosened})
	}

	return result
}

// regexVariants 正则变异: 空白处理宽严/小数分隔符宽严
func regexVariants(data *models.RegexData) []models.StrategyData {
	if data == nil {
		return nil
	}
	var result []models.StrategyData

	// 放宽空白: 字面空格改为\s*
	if strings.Contains(data.Pattern, " ") {
		relaxed := *data
		relaxed.Pattern = strings.ReplaceAll(data.Pattern, " ", `\s*`)
		result = append(result, models.StrategyData{Regex: &relaxed})
	}

	// 放宽小数分隔符: 逗号改为[.,]
	if strings.Contains(data.Pattern, `,\d{2}`) && !strings.Contains(data.Pattern, `[.,]\d{2}`) {
		relaxed := *data
		relaxed.Pattern = strings.ReplaceAll(data.Pattern, `,\d{2}`, `[.,]\d{2}`)
		result = append(result, models.StrategyData{Regex: &relaxed})
	}

	// 收紧小数分隔符: [.,]改为逗号
	if strings.Contains(data.Pattern, `[.,]\d{2}`) {
		tightened := *data
		tightened.Pattern = strings.ReplaceAll(data.Pattern, `[.,]\d{2}`, `,\d{2}`)
		result = append(result, models.StrategyData{Regex: &tightened})
	}

	// 收紧空白: \s*改为\s+
	if strings.Contains(data.Pattern, `\s*`) {
		tightened := *data
		tightened.Pattern = strings.ReplaceAll(data.Pattern, `\s*`, `\s+`)
		result = append(result, models.StrategyData{Regex: &tightened})
	}

	return result
}

// semanticVariants 语义变异: 追加常见价格属性
func semanticVariants(data *models.SemanticData) []models.StrategyData {
	if data == nil {
		return nil
	}
	existing := make(map[string]bool, len(data.Attributes))
	for _, a := range data.Attributes {
		existing[a] = true
	}

	var result []models.StrategyData
	for _, extra := range []string{"data-price", "data-value", "data-product-price"} {
		if existing[extra] {
			continue
		}
		variant := *data
		variant.Attributes = append(append([]string(nil), data.Attributes...), extra)
		result = append(result, models.StrategyData{Semantic: &variant})
	}
	return result
}

// compositeVariants 复合变异: 用子变体替换其中一步
func compositeVariants(data *models.CompositeData) []models.StrategyData {
	if data == nil || len(data.Steps) == 0 {
		return nil
	}

	var result []models.StrategyData
	for i, step := range data.Steps {
		var stepDatas []models.StrategyData
		switch step.Kind {
		case models.KindCSS:
			stepDatas = cssVariants(step.Data.CSS)
		case models.KindXPath:
			stepDatas = xpathVariants(step.Data.XPath)
		case models.KindRegex:
			stepDatas = regexVariants(step.Data.Regex)
		case models.KindSemantic:
			stepDatas = semanticVariants(step.Data.Semantic)
		}
		for _, sd := range stepDatas {
			steps := append([]models.CompositeStep(nil), data.Steps...)
			steps[i] = models.CompositeStep{Kind: step.Kind, Data: sd}
			variant := *data
			variant.Steps = steps
			result = append(result, models.StrategyData{Composite: &variant})
		}
	}
	return result
}
