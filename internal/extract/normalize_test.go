package extract

import (
	"testing"

	"github.com/RecoveryAshes/precotrack/internal/models"
)

func TestParsePrice(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    float64
		wantErr bool
	}{
		{"巴西格式带千分位", "R$ 1.299,90", 1299.90, false},
		{"巴西格式无千分位", "R$ 99,00", 99.00, false},
		{"纯数字逗号小数", "108,33", 108.33, false},
		{"点小数格式", "1299.90", 1299.90, false},
		{"整数", "129900", 129900, false},
		{"嵌入文本", "por apenas R$ 2.499,00 à vista", 2499.00, false},
		{"无金额", "sem preço aqui", 0, true},
		{"空文本", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePrice(tt.text)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePrice() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParsePrice() = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestNormalizeAvailability(t *testing.T) {
	tests := []struct {
		name string
		text string
		want models.Availability
	}{
		{"缺货", "Produto esgotado", models.OutOfStock},
		{"不可用", "Item indisponível no momento", models.OutOfStock},
		{"有货", "Em estoque, envio imediato", models.InStock},
		{"库存紧张", "Últimas unidades!", models.LowStock},
		{"预售", "Pré-venda: envio em 30 dias", models.PreOrder},
		{"无关键词", "lorem ipsum", models.Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := NormalizeAvailability(tt.text)
			if got != tt.want {
				t.Errorf("NormalizeAvailability() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseInstallments(t *testing.T) {
	plans, err := ParseInstallments("12x de R$ 108,33 sem juros ou 15x de R$ 95,20 com juros")
	if err != nil {
		t.Fatalf("ParseInstallments() error = %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("期望2个分期方案, 得到%d", len(plans))
	}
	if plans[0].Times != 12 || plans[0].Value != 108.33 || plans[0].InterestFlag {
		t.Errorf("首个方案解析错误: %+v", plans[0])
	}
	if plans[1].Times != 15 || plans[1].Value != 95.20 || !plans[1].InterestFlag {
		t.Errorf("第二个方案解析错误: %+v", plans[1])
	}

	if _, err := ParseInstallments("sem parcelas"); err == nil {
		t.Error("无分期文本应返回错误")
	}
}
