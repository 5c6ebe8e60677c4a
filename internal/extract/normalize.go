package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/RecoveryAshes/precotrack/internal/models"
)

var (
	// brlPattern 巴西货币格式: 1.299,90 或 99,00 或纯数字
	brlPattern = regexp.MustCompile(`(\d{1,3}(?:\.\d{3})+,\d{2}|\d+,\d{2}|\d+\.\d{2}|\d+)`)

	// installmentPattern 分期文本: "12x de R$ 108,33 sem juros"
	installmentPattern = regexp.MustCompile(`(?i)(\d{1,2})\s*x\s*(?:de\s*)?R\$\s*(\d{1,3}(?:\.\d{3})*,\d{2}|\d+,\d{2})\s*(sem\s+juros|com\s+juros)?`)
)

// availabilityKeywords 库存状态关键词表 (葡语电商惯用语)
// 顺序即优先级: 先匹配更具体的表达
var availabilityKeywords = []struct {
	keyword string
	status  models.Availability
}{
	{"esgotado", models.OutOfStock},
	{"indisponível", models.OutOfStock},
	{"fora de estoque", models.OutOfStock},
	{"sem estoque", models.OutOfStock},
	{"últimas unidades", models.LowStock},
	{"estoque baixo", models.LowStock},
	{"pré-venda", models.PreOrder},
	{"pre-venda", models.PreOrder},
	{"em estoque", models.InStock},
	{"disponível", models.InStock},
	{"comprar", models.InStock},
}

// ParsePrice 从文本解析巴西货币金额
// "R$ 1.299,90" -> 1299.90; "99,00" -> 99.00; "1299.90" -> 1299.90
func ParsePrice(text string) (float64, error) {
	match := brlPattern.FindString(text)
	if match == "" {
		return 0, fmt.Errorf("文本中没有金额: %q", truncate(text, 60))
	}

	normalized := match
	switch {
	case strings.Contains(match, ","):
		// 巴西格式: 点是千分位,逗号是小数点
		normalized = strings.ReplaceAll(match, ".", "")
		normalized = strings.ReplaceAll(normalized, ",", ".")
	}

	value, err := strconv.ParseFloat(normalized, 64)
	if err != nil {
		return 0, fmt.Errorf("金额解析失败 %q: %w", match, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("金额不能为负: %f", value)
	}
	return value, nil
}

// NormalizeAvailability 将文本映射到库存状态
// 无匹配关键词时返回Unknown(非错误: 库存字段缺省可接受)
func NormalizeAvailability(text string) (models.Availability, string) {
	lower := strings.ToLower(text)
	for _, entry := range availabilityKeywords {
		if strings.Contains(lower, entry.keyword) {
			return entry.status, entry.keyword
		}
	}
	return models.Unknown, ""
}

// ParseInstallments 从文本解析分期方案列表 (保持出现顺序)
func ParseInstallments(text string) ([]models.InstallmentPlan, error) {
	matches := installmentPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("文本中没有分期方案: %q", truncate(text, 60))
	}

	plans := make([]models.InstallmentPlan, 0, len(matches))
	for _, m := range matches {
		times, err := strconv.Atoi(m[1])
		if err != nil || times < 1 {
			continue
		}
		value, err := ParsePrice(m[2])
		if err != nil {
			continue
		}
		interest := strings.Contains(strings.ToLower(m[3]), "com")
		plans = append(plans, models.InstallmentPlan{
			Value:        value,
			Times:        times,
			InterestFlag: interest,
		})
	}
	if len(plans) == 0 {
		return nil, fmt.Errorf("分期方案解析失败: %q", truncate(text, 60))
	}
	return plans, nil
}

// truncate 截断文本用于错误消息
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
