package extract

import (
	"reflect"
	"testing"
	"time"

	"github.com/RecoveryAshes/precotrack/internal/models"
)

const productHTML = `<html><body>
<div class="product">
  <h1>Notebook Exemplo 15"</h1>
  <span class="price-current">R$ 1.299,90</span>
  <span class="price-old">de R$ 1.499,90</span>
  <div class="pix"><span itemprop="price" content="1234.56">R$ 1.234,56 no Pix</span></div>
  <div class="parcelas">12x de R$ 108,33 sem juros</div>
  <div class="stock">Em estoque</div>
</div>
</body></html>`

func mustSnapshot(t *testing.T, html string) *Snapshot {
	t.Helper()
	snap, err := NewSnapshot(html)
	if err != nil {
		t.Fatalf("构建快照失败: %v", err)
	}
	return snap
}

func cssStrategy(id, domain string, field models.TargetField, selector string, priority int, confidence float64) *models.Strategy {
	return &models.Strategy{
		ID: id, Domain: domain, TargetField: field, Kind: models.KindCSS,
		Data:       models.StrategyData{CSS: &models.CSSData{Selector: selector}},
		Priority:   priority,
		Confidence: confidence,
	}
}

func regexStrategy(id, domain string, field models.TargetField, pattern string, group, priority int, confidence float64) *models.Strategy {
	return &models.Strategy{
		ID: id, Domain: domain, TargetField: field, Kind: models.KindRegex,
		Data: models.StrategyData{Regex: &models.RegexData{
			Pattern: pattern, GroupIndex: group, Scope: models.ScopeDocument,
		}},
		Priority:   priority,
		Confidence: confidence,
	}
}

// 场景1: 正常路径 — 已知有效的CSS策略直接命中
func TestEvaluate_HappyPath(t *testing.T) {
	snap := mustSnapshot(t, productHTML)
	s := cssStrategy("s-css", "loja.example.com", models.FieldPrice, ".price-current", 0, 0.9)

	result := Evaluate("u1", snap, []*models.Strategy{s}, time.Now())
	if result.Record == nil {
		t.Fatal("期望产出记录")
	}
	if result.Record.Price != 1299.90 {
		t.Errorf("price = %f, want 1299.90", result.Record.Price)
	}
	if result.Record.StrategyID != "s-css" {
		t.Errorf("strategy_id = %s", result.Record.StrategyID)
	}
	if result.Violated {
		t.Error("不应有交叉校验违例")
	}
	if len(result.Trials) != 1 || !result.Trials[0].Success {
		t.Errorf("期望1条成功trial: %+v", result.Trials)
	}
}

// 场景2: 首选失败回退 — CSS不命中, regex兜底
func TestEvaluate_FallbackToRegex(t *testing.T) {
	snap := mustSnapshot(t, `<html><body><p>oferta: R$ 99,00</p></body></html>`)
	css := cssStrategy("s-css", "loja.example.com", models.FieldPrice, ".price-current", 0, 0.8)
	re := regexStrategy("s-re", "loja.example.com", models.FieldPrice, `R\$\s*(\d+,\d{2})`, 1, 1, 0.5)

	result := Evaluate("u1", snap, []*models.Strategy{css, re}, time.Now())
	if result.Record == nil || result.Record.Price != 99.00 {
		t.Fatalf("期望regex兜底命中99.00: %+v", result.Record)
	}
	if len(result.Trials) != 2 {
		t.Fatalf("期望2条trial, 得到%d", len(result.Trials))
	}
	if result.Trials[0].StrategyID != "s-css" || result.Trials[0].Success {
		t.Errorf("CSS策略应记录为失败: %+v", result.Trials[0])
	}
	if result.Trials[1].StrategyID != "s-re" || !result.Trials[1].Success {
		t.Errorf("regex策略应记录为成功: %+v", result.Trials[1])
	}
}

// 场景3: 交叉校验 — pix价高于现价, 重试一次后仍违例则丢弃并罚分
func TestEvaluate_CrossFieldViolation(t *testing.T) {
	html := `<html><body>
	<span class="p">R$ 100,00</span>
	<span class="pix-errado">R$ 110,00</span>
	</body></html>`
	snap := mustSnapshot(t, html)

	price := cssStrategy("s-price", "d", models.FieldPrice, ".p", 0, 0.9)
	pix := cssStrategy("s-pix", "d", models.FieldPixPrice, ".pix-errado", 0, 0.6)

	result := Evaluate("u1", snap, []*models.Strategy{price, pix}, time.Now())
	if result.Record == nil {
		t.Fatal("price有效, 应产出记录")
	}
	if result.Record.PixPrice != nil {
		t.Error("违例的pix_price应被丢弃")
	}
	if !result.Violated {
		t.Error("应标记交叉校验违例")
	}

	// pix策略的trial应被罚分为失败
	var pixTrial *models.StrategyTrial
	for i := range result.Trials {
		if result.Trials[i].StrategyID == "s-pix" {
			pixTrial = &result.Trials[i]
		}
	}
	if pixTrial == nil || pixTrial.Success {
		t.Errorf("违例pix策略应记录为失败: %+v", pixTrial)
	}
}

// 交叉校验重试成功: 第二个pix策略给出合法值
func TestEvaluate_CrossFieldRetrySucceeds(t *testing.T) {
	html := `<html><body>
	<span class="p">R$ 100,00</span>
	<span class="pix-errado">R$ 110,00</span>
	<span class="pix-certo">R$ 95,00</span>
	</body></html>`
	snap := mustSnapshot(t, html)

	price := cssStrategy("s-price", "d", models.FieldPrice, ".p", 0, 0.9)
	pixBad := cssStrategy("s-pix-1", "d", models.FieldPixPrice, ".pix-errado", 0, 0.6)
	pixGood := cssStrategy("s-pix-2", "d", models.FieldPixPrice, ".pix-certo", 1, 0.5)

	result := Evaluate("u1", snap, []*models.Strategy{price, pixBad, pixGood}, time.Now())
	if result.Record == nil || result.Record.PixPrice == nil {
		t.Fatal("重试应产出合法pix价")
	}
	if *result.Record.PixPrice != 95.00 {
		t.Errorf("pix = %f, want 95.00", *result.Record.PixPrice)
	}
	if result.Violated {
		t.Error("重试成功后不应标记违例")
	}
}

// 完整记录: 所有字段同时提取
func TestEvaluate_FullRecord(t *testing.T) {
	snap := mustSnapshot(t, productHTML)
	strategies := []*models.Strategy{
		cssStrategy("s1", "d", models.FieldPrice, ".price-current", 0, 0.9),
		regexStrategy("s2", "d", models.FieldOldPrice, `de\s*R\$\s*(\d{1,3}(?:\.\d{3})*,\d{2})`, 1, 0, 0.7),
		regexStrategy("s3", "d", models.FieldPixPrice, `R\$\s*(\d{1,3}(?:\.\d{3})*,\d{2})\s*no\s*Pix`, 1, 0, 0.7),
		cssStrategy("s4", "d", models.FieldInstallment, ".parcelas", 0, 0.6),
		cssStrategy("s5", "d", models.FieldAvailability, ".stock", 0, 0.6),
	}

	result := Evaluate("u1", snap, strategies, time.Now())
	if result.Record == nil {
		t.Fatal("期望产出记录")
	}
	r := result.Record
	if r.Price != 1299.90 {
		t.Errorf("price = %f", r.Price)
	}
	if r.OldPrice == nil || *r.OldPrice != 1499.90 {
		t.Errorf("old_price = %v", r.OldPrice)
	}
	if r.PixPrice == nil || *r.PixPrice != 1234.56 {
		t.Errorf("pix_price = %v", r.PixPrice)
	}
	if len(r.Installments) != 1 || r.Installments[0].Times != 12 {
		t.Errorf("installments = %+v", r.Installments)
	}
	if r.Availability != models.InStock {
		t.Errorf("availability = %s", r.Availability)
	}
	if err := r.Validate(); err != nil {
		t.Errorf("记录应通过校验: %v", err)
	}
}

// 幂等律: 同一快照同一策略列表两次评估结果一致
func TestEvaluate_Deterministic(t *testing.T) {
	snap := mustSnapshot(t, productHTML)
	strategies := []*models.Strategy{
		cssStrategy("s1", "d", models.FieldPrice, ".price-current", 0, 0.9),
		regexStrategy("s2", "d", models.FieldOldPrice, `de\s*R\$\s*(\d{1,3}(?:\.\d{3})*,\d{2})`, 1, 0, 0.7),
	}
	now := time.Now()

	a := Evaluate("u1", snap, strategies, now)
	b := Evaluate("u1", snap, strategies, now)

	if !reflect.DeepEqual(a.Record, b.Record) {
		t.Error("两次评估的记录应一致")
	}
	if len(a.Trials) != len(b.Trials) {
		t.Fatal("两次评估的trial数量应一致")
	}
	for i := range a.Trials {
		// 时延字段允许不同
		if a.Trials[i].StrategyID != b.Trials[i].StrategyID ||
			a.Trials[i].Success != b.Trials[i].Success ||
			a.Trials[i].Field != b.Trials[i].Field {
			t.Errorf("trial %d 不一致", i)
		}
	}
}

// 通配策略排在域名专属策略之后
func TestEvaluate_GenericRanksLast(t *testing.T) {
	snap := mustSnapshot(t, productHTML)
	generic := regexStrategy("s-gen", models.GenericDomain, models.FieldPrice, `R\$\s*(\d{1,3}(?:\.\d{3})*,\d{2})`, 1, 0, 0.9)
	domain := cssStrategy("s-dom", "loja.example.com", models.FieldPrice, ".price-current", 5, 0.3)

	result := Evaluate("u1", snap, []*models.Strategy{generic, domain}, time.Now())
	if result.Record == nil || result.Record.StrategyID != "s-dom" {
		t.Errorf("域名专属策略应先于通配策略命中: %+v", result.Record)
	}
}

// 语义策略: itemprop + 上下文距离
func TestEvaluate_SemanticStrategy(t *testing.T) {
	snap := mustSnapshot(t, productHTML)
	s := &models.Strategy{
		ID: "s-sem", Domain: "d", TargetField: models.FieldPixPrice, Kind: models.KindSemantic,
		Data: models.StrategyData{Semantic: &models.SemanticData{
			Attributes:       []string{"itemprop=price"},
			ContextTerms:     []string{"pix"},
			MaxDistanceChars: 80,
		}},
		Confidence: 0.5,
	}
	price := cssStrategy("s-p", "d", models.FieldPrice, ".price-current", 0, 0.9)

	result := Evaluate("u1", snap, []*models.Strategy{price, s}, time.Now())
	if result.Record == nil || result.Record.PixPrice == nil {
		t.Fatal("语义策略应命中pix价")
	}
	if *result.Record.PixPrice != 1234.56 {
		t.Errorf("pix = %f, want 1234.56", *result.Record.PixPrice)
	}
}

// 复合策略: css收窄作用域 + regex取值
func TestEvaluate_CompositeStrategy(t *testing.T) {
	snap := mustSnapshot(t, productHTML)
	s := &models.Strategy{
		ID: "s-comp", Domain: "d", TargetField: models.FieldPrice, Kind: models.KindComposite,
		Data: models.StrategyData{Composite: &models.CompositeData{
			Steps: []models.CompositeStep{
				{Kind: models.KindCSS, Data: models.StrategyData{CSS: &models.CSSData{Selector: ".product"}}},
				{Kind: models.KindRegex, Data: models.StrategyData{Regex: &models.RegexData{
					Pattern: `R\$\s*(\d{1,3}(?:\.\d{3})*,\d{2})`, GroupIndex: 1,
				}}},
			},
			Transformation: "extract_decimal",
			Validation:     &models.RangeCheck{Min: 1, Max: 100000},
		}},
		Confidence: 0.5,
	}

	result := Evaluate("u1", snap, []*models.Strategy{s}, time.Now())
	if result.Record == nil || result.Record.Price != 1299.90 {
		t.Fatalf("复合策略应命中1299.90: %+v", result.Record)
	}
}
