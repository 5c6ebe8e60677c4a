package unit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/RecoveryAshes/precotrack/internal/models"
	"github.com/RecoveryAshes/precotrack/internal/store"
)

func openTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("打开存储失败: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_URLRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u, err := models.NewMonitoredURL("https://loja.example.com/p/1", 7, 6*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.InsertURL(ctx, u); err != nil {
		t.Fatalf("注册URL失败: %v", err)
	}

	// 唯一约束: 同URL二次注册失败
	dup, _ := models.NewMonitoredURL("https://loja.example.com/p/1", 3, time.Hour)
	if err := s.InsertURL(ctx, dup); err == nil {
		t.Error("重复URL注册应失败")
	}

	urls, err := s.ListURLs(ctx, store.URLFilter{OnlyActive: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(urls) != 1 {
		t.Fatalf("期望1条URL, 得到%d", len(urls))
	}
	got := urls[0]
	if got.URL != u.URL || got.Domain != "loja.example.com" || got.Priority != 7 {
		t.Errorf("URL往返不一致: %+v", got)
	}
	if got.BaseInterval != 6*time.Hour {
		t.Errorf("base_interval = %v, want 6h", got.BaseInterval)
	}
}

// CAS语义: prev不匹配时更新失败, 过期写入丢弃
func TestSQLiteStore_UpdateLastCheckCAS(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u, _ := models.NewMonitoredURL("https://loja.example.com/p/1", 5, time.Hour)
	s.InsertURL(ctx, u)

	first := time.Now().Truncate(time.Millisecond)
	ok, err := s.UpdateLastCheck(ctx, u.ID, time.Time{}, first)
	if err != nil || !ok {
		t.Fatalf("首次CAS应成功: ok=%v err=%v", ok, err)
	}

	// 过期的prev: 失败
	stale := first.Add(-time.Hour)
	ok, err = s.UpdateLastCheck(ctx, u.ID, stale, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("过期CAS应失败")
	}

	// 正确的prev: 成功
	ok, _ = s.UpdateLastCheck(ctx, u.ID, first, first.Add(time.Minute))
	if !ok {
		t.Error("匹配的CAS应成功")
	}
}

func TestSQLiteStore_StrategyRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Millisecond)
	strategy := &models.Strategy{
		ID: "s1", Domain: "loja.example.com",
		TargetField: models.FieldPrice, Kind: models.KindComposite,
		Data: models.StrategyData{Composite: &models.CompositeData{
			Steps: []models.CompositeStep{
				{Kind: models.KindCSS, Data: models.StrategyData{CSS: &models.CSSData{Selector: ".product"}}},
				{Kind: models.KindRegex, Data: models.StrategyData{Regex: &models.RegexData{
					Pattern: `R\$\s*(\d+,\d{2})`, GroupIndex: 1,
				}}},
			},
			Transformation: "extract_decimal",
		}},
		Confidence: 0.75, Priority: 2,
		Attempts: 10, Successes: 8,
		LastSuccess: &now,
		SampleURLs:  []string{"https://loja.example.com/p/1"},
		ParentID:    "s0",
	}

	if err := s.UpsertStrategies(ctx, "loja.example.com", []*models.Strategy{strategy}); err != nil {
		t.Fatalf("写入策略失败: %v", err)
	}

	list, err := s.ListStrategies(ctx, "loja.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("期望1条策略, 得到%d", len(list))
	}
	got := list[0]
	if got.Kind != models.KindComposite || got.Data.Composite == nil {
		t.Fatalf("复合策略数据丢失: %+v", got)
	}
	if len(got.Data.Composite.Steps) != 2 {
		t.Errorf("复合步骤往返不一致: %+v", got.Data.Composite)
	}
	if got.Confidence != 0.75 || got.Attempts != 10 || got.Successes != 8 {
		t.Errorf("度量往返不一致: %+v", got)
	}
	if got.ParentID != "s0" {
		t.Errorf("parent_id = %s, want s0", got.ParentID)
	}
	if got.LastSuccess == nil || !got.LastSuccess.Equal(now) {
		t.Errorf("last_success往返不一致: %v", got.LastSuccess)
	}

	// 更新置信度后upsert覆盖
	got.Confidence = 0.9
	s.UpsertStrategies(ctx, "loja.example.com", []*models.Strategy{got})
	list, _ = s.ListStrategies(ctx, "loja.example.com")
	if list[0].Confidence != 0.9 {
		t.Errorf("upsert应覆盖置信度: %f", list[0].Confidence)
	}
}

// 归档: 活跃表移除, 归档表永不删除
func TestSQLiteStore_ArchiveStrategy(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	strategy := &models.Strategy{
		ID: "s-weak", Domain: "loja.example.com",
		TargetField: models.FieldPrice, Kind: models.KindCSS,
		Data:       models.StrategyData{CSS: &models.CSSData{Selector: ".old-price-class"}},
		Confidence: 0.05, Attempts: 30,
	}
	s.UpsertStrategies(ctx, "loja.example.com", []*models.Strategy{strategy})

	if err := s.ArchiveStrategy(ctx, "s-weak"); err != nil {
		t.Fatalf("归档失败: %v", err)
	}

	list, _ := s.ListStrategies(ctx, "loja.example.com")
	if len(list) != 0 {
		t.Errorf("归档后活跃表应为空: %d", len(list))
	}
}

// 不变量6: 违反记录不变量的写入被拒绝
func TestSQLiteStore_RecordValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	bad := &models.PriceRecord{
		URLID: "u1", CheckedAt: time.Now(), Price: -5,
		Availability: models.InStock,
	}
	if err := s.InsertPriceRecord(ctx, bad); err == nil {
		t.Error("负价格记录应被拒绝")
	}

	good := &models.PriceRecord{
		URLID: "u1", CheckedAt: time.Now(), Price: 1299.90,
		Availability: models.InStock, StrategyID: "s1", Confidence: 0.9,
		Installments: []models.InstallmentPlan{{Value: 108.33, Times: 12}},
	}
	if err := s.InsertPriceRecord(ctx, good); err != nil {
		t.Errorf("有效记录写入失败: %v", err)
	}
}

// 尝试日志主键去重: 同(url_id, started_at)重复写入被忽略
func TestSQLiteStore_AttemptLogDedup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	started := time.Now().Truncate(time.Millisecond)
	a := &models.AttemptResult{
		URLID: "u1", Domain: "loja.example.com",
		StartedAt: started, FinishedAt: started.Add(time.Second),
		Outcome: models.OutcomeOK,
	}
	if err := s.InsertAttemptLog(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertAttemptLog(ctx, a); err != nil {
		t.Errorf("重复写入应被静默忽略: %v", err)
	}
}

// 域名状态持久化: 冷却跨重启存活
func TestSQLiteStore_DomainStatePersistence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	until := time.Now().Add(2 * time.Minute).Truncate(time.Millisecond)
	state := &models.DomainState{
		Domain:            "x.com",
		CooldownUntil:     until,
		ConsecutiveBlocks: 2,
		LastOutcome:       models.OutcomeCaptcha,
		Bucket:            models.TokenBucketState{Tokens: 1.5, LastRefill: time.Now().Truncate(time.Millisecond)},
	}
	if err := s.SaveDomainState(ctx, state); err != nil {
		t.Fatal(err)
	}

	states, err := s.LoadDomainStates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 {
		t.Fatalf("期望1条域名状态, 得到%d", len(states))
	}
	got := states[0]
	if !got.CooldownUntil.Equal(until) || got.ConsecutiveBlocks != 2 {
		t.Errorf("冷却状态往返不一致: %+v", got)
	}
	if got.Bucket.Tokens != 1.5 {
		t.Errorf("令牌桶状态往返不一致: %+v", got.Bucket)
	}
}
