package learning

import (
	"github.com/RecoveryAshes/precotrack/internal/models"
)

// 通用种子策略ID (稳定ID, 域名克隆的parent_id指向这里)
const (
	seedPriceRegex    = "generic-price-regex"
	seedPriceSemantic = "generic-price-semantic"
	seedOldPriceRegex = "generic-old-price-regex"
	seedPixRegex      = "generic-pix-regex"
	seedPixSemantic   = "generic-pix-semantic"
	seedInstallment   = "generic-installment-regex"
	seedAvailability  = "generic-availability-regex"
)

// brlMoney 巴西货币捕获组
const brlMoney = `(\d{1,3}(?:\.\d{3})*,\d{2}|\d+,\d{2})`

// GenericSeeds 通用起始策略组合
// 只读: 学习层首次成功使用后克隆为域名专属副本,通配原件永不变更
func GenericSeeds() []*models.Strategy {
	return []*models.Strategy{
		{
			ID: seedPriceRegex, Domain: models.GenericDomain,
			TargetField: models.FieldPrice, Kind: models.KindRegex,
			Data: models.StrategyData{Regex: &models.RegexData{
				Pattern: `R\$\s*` + brlMoney, GroupIndex: 1, Scope: models.ScopeDocument,
			}},
			Confidence: 0.3, Priority: 90,
		},
		{
			ID: seedPriceSemantic, Domain: models.GenericDomain,
			TargetField: models.FieldPrice, Kind: models.KindSemantic,
			Data: models.StrategyData{Semantic: &models.SemanticData{
				Attributes:   []string{"itemprop=price", "data-price", "data-product-price"},
				ContextTerms: []string{"R$", "preço"},
			}},
			Confidence: 0.3, Priority: 91,
		},
		{
			ID: seedOldPriceRegex, Domain: models.GenericDomain,
			TargetField: models.FieldOldPrice, Kind: models.KindRegex,
			Data: models.StrategyData{Regex: &models.RegexData{
				Pattern: `(?i)de\s*R\$\s*` + brlMoney, GroupIndex: 1, Scope: models.ScopeDocument,
			}},
			Confidence: 0.3, Priority: 90,
		},
		{
			ID: seedPixRegex, Domain: models.GenericDomain,
			TargetField: models.FieldPixPrice, Kind: models.KindRegex,
			Data: models.StrategyData{Regex: &models.RegexData{
				Pattern:    `(?i)R\$\s*` + brlMoney + `\s*(?:no\s*)?pix`,
				GroupIndex: 1, Scope: models.ScopeDocument,
			}},
			Confidence: 0.3, Priority: 90,
		},
		{
			ID: seedPixSemantic, Domain: models.GenericDomain,
			TargetField: models.FieldPixPrice, Kind: models.KindSemantic,
			Data: models.StrategyData{Semantic: &models.SemanticData{
				Attributes:       []string{"data-pix-price", "itemprop=price"},
				ContextTerms:     []string{"pix", "à vista"},
				MaxDistanceChars: 120,
			}},
			Confidence: 0.3, Priority: 91,
		},
		{
			ID: seedInstallment, Domain: models.GenericDomain,
			TargetField: models.FieldInstallment, Kind: models.KindRegex,
			Data: models.StrategyData{Regex: &models.RegexData{
				Pattern: `(?i)\d{1,2}\s*x\s*(?:de\s*)?R\$\s*` + brlMoney + `(?:\s*(?:sem|com)\s+juros)?`,
				Scope:   models.ScopeDocument,
			}},
			Confidence: 0.3, Priority: 90,
		},
		{
			ID: seedAvailability, Domain: models.GenericDomain,
			TargetField: models.FieldAvailability, Kind: models.KindRegex,
			Data: models.StrategyData{Regex: &models.RegexData{
				Pattern: `(?i)(esgotado|indisponível|fora de estoque|últimas unidades|pré-venda|em estoque|disponível)`,
				Scope:   models.ScopeDocument,
			}},
			Confidence: 0.3, Priority: 90,
		},
	}
}
