package unit

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/RecoveryAshes/precotrack/internal/extract"
	"github.com/RecoveryAshes/precotrack/internal/learning"
	"github.com/RecoveryAshes/precotrack/internal/models"
	"github.com/RecoveryAshes/precotrack/internal/store"
)

// 评估→学习→存储的贯通测试 (不含浏览器层)
// 对应端到端场景1: 已知有效CSS策略命中后, 置信度0.9→0.91并写回存储

func learnerConfig() learning.Config {
	return learning.Config{
		ReprioritizeEvery: 1, // 每次尝试后立即写回, 便于断言
		VariantEvery:      200,
		VariantFanout:     3,
		RetireConfidence:  0.1,
		RetireMinAttempts: 20,
		CooldownBase:      60 * time.Second,
		CooldownMax:       time.Hour,
		CooldownMult:      2,
	}
}

func TestPipeline_EvaluateLearnPersist(t *testing.T) {
	ctx := context.Background()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// 域名组合: 一个高置信CSS策略
	seed := &models.Strategy{
		ID: "s-css", Domain: "loja.example.com",
		TargetField: models.FieldPrice, Kind: models.KindCSS,
		Data:       models.StrategyData{CSS: &models.CSSData{Selector: ".price-current"}},
		Confidence: 0.9, Priority: 0,
	}
	if err := s.UpsertStrategies(ctx, "loja.example.com", []*models.Strategy{seed}); err != nil {
		t.Fatal(err)
	}

	learner := learning.New(learnerConfig(), s, nil)

	// 评估快照
	snap, err := extract.NewSnapshot(
		`<html><body><span class="price-current">R$ 1.299,90</span></body></html>`)
	if err != nil {
		t.Fatal(err)
	}
	strategies, err := learner.PortfolioFor(ctx, "loja.example.com")
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	evalResult := extract.Evaluate("u1", snap, strategies, now)
	if evalResult.Record == nil || evalResult.Record.Price != 1299.90 {
		t.Fatalf("评估应命中1299.90: %+v", evalResult.Record)
	}

	// 构造尝试结果并投喂学习层
	attempt := &models.AttemptResult{
		URLID: "u1", Domain: "loja.example.com",
		StartedAt: now.Add(-2 * time.Second), FinishedAt: now,
		Outcome:         models.OutcomeOK,
		StrategiesTried: evalResult.Trials,
		Record:          evalResult.Record,
	}
	if err := attempt.Validate(); err != nil {
		t.Fatalf("尝试结果应通过校验: %v", err)
	}
	learner.OnResult(ctx, attempt)

	// 置信度0.9×0.9+0.1=0.91已写回存储 (reprioritize_every=1触发批量写回)
	stored, err := s.ListStrategies(ctx, "loja.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 {
		t.Fatalf("期望1条策略: %d", len(stored))
	}
	if math.Abs(stored[0].Confidence-0.91) > 1e-9 {
		t.Errorf("存储中的confidence = %f, want 0.91", stored[0].Confidence)
	}
	if stored[0].Attempts != 1 || stored[0].Successes != 1 {
		t.Errorf("存储中的计数 = %d/%d, want 1/1", stored[0].Attempts, stored[0].Successes)
	}

	// 价格记录落库
	if err := s.InsertPriceRecord(ctx, evalResult.Record); err != nil {
		t.Errorf("价格记录写入失败: %v", err)
	}
}

// 未知域名: 通用种子兜底, 首次成功克隆为域名专属
func TestPipeline_UnseenDomainBootstrap(t *testing.T) {
	ctx := context.Background()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "bootstrap.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	learner := learning.New(learnerConfig(), s, nil)

	snap, err := extract.NewSnapshot(
		`<html><body><p>Oferta: R$ 349,00 à vista</p></body></html>`)
	if err != nil {
		t.Fatal(err)
	}

	strategies, err := learner.PortfolioFor(ctx, "novo.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(strategies) == 0 {
		t.Fatal("未知域名应有通用种子兜底")
	}

	now := time.Now()
	evalResult := extract.Evaluate("u-novo", snap, strategies, now)
	if evalResult.Record == nil || evalResult.Record.Price != 349.00 {
		t.Fatalf("通用regex种子应命中349.00: %+v", evalResult.Record)
	}

	learner.OnResult(ctx, &models.AttemptResult{
		URLID: "u-novo", Domain: "novo.example.com",
		StartedAt: now.Add(-time.Second), FinishedAt: now,
		Outcome:         models.OutcomeOK,
		StrategiesTried: evalResult.Trials,
		Record:          evalResult.Record,
	})

	// 通用策略成功后克隆为域名专属并写回存储
	stored, err := s.ListStrategies(ctx, "novo.example.com")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, st := range stored {
		if st.ParentID != "" && st.Domain == "novo.example.com" {
			found = true
		}
	}
	if !found {
		t.Errorf("通用策略命中后应克隆为域名专属: %+v", stored)
	}
}
