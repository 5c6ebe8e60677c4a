package models

import (
	"testing"
	"time"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"有效的HTTP URL", "http://example.com", false},
		{"有效的HTTPS URL", "https://loja.example.com.br/produto/123", false},
		{"无效的协议", "ftp://example.com", true},
		{"无效的URL", "not a url", true},
		{"空URL", "", true},
		{"无协议", "example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMonitoredURL_IntervalFactor(t *testing.T) {
	tests := []struct {
		name     string
		priority int
		want     float64
	}{
		{"最低优先级", 0, 1.5},
		{"最高优先级", 9, 0.5},
		{"中间优先级", 4, 1.5 - 4.0/9.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &MonitoredURL{Priority: tt.priority}
			got := m.IntervalFactor()
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("IntervalFactor() = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestPriceRecord_Validate(t *testing.T) {
	f := func(v float64) *float64 { return &v }

	tests := []struct {
		name    string
		record  PriceRecord
		wantErr bool
	}{
		{
			name:    "有效记录",
			record:  PriceRecord{URLID: "u1", Price: 1299.90, Availability: InStock, Confidence: 0.9},
			wantErr: false,
		},
		{
			name:    "负价格",
			record:  PriceRecord{URLID: "u1", Price: -1, Availability: InStock},
			wantErr: true,
		},
		{
			name:    "pix价超过容差",
			record:  PriceRecord{URLID: "u1", Price: 100, PixPrice: f(110), Availability: InStock},
			wantErr: true,
		},
		{
			name:    "pix价在容差内",
			record:  PriceRecord{URLID: "u1", Price: 100, PixPrice: f(104), Availability: InStock},
			wantErr: false,
		},
		{
			name:    "原价低于现价",
			record:  PriceRecord{URLID: "u1", Price: 100, OldPrice: f(90), Availability: InStock},
			wantErr: true,
		},
		{
			name:    "缺少url_id",
			record:  PriceRecord{Price: 100, Availability: InStock},
			wantErr: true,
		},
		{
			name:    "未知库存状态",
			record:  PriceRecord{URLID: "u1", Price: 100, Availability: "maybe"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.record.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStrategy_Validate(t *testing.T) {
	tests := []struct {
		name     string
		strategy Strategy
		wantErr  bool
	}{
		{
			name: "有效的regex策略",
			strategy: Strategy{
				ID: "s1", Domain: "*", TargetField: FieldPrice, Kind: KindRegex,
				Data:       StrategyData{Regex: &RegexData{Pattern: `R\$\s*\d+`, Scope: ScopeDocument}},
				Confidence: 0.5,
			},
			wantErr: false,
		},
		{
			name: "css策略缺少selector",
			strategy: Strategy{
				ID: "s2", Domain: "*", TargetField: FieldPrice, Kind: KindCSS,
				Data: StrategyData{CSS: &CSSData{}}, Confidence: 0.5,
			},
			wantErr: true,
		},
		{
			name: "置信度越界",
			strategy: Strategy{
				ID: "s3", Domain: "*", TargetField: FieldPrice, Kind: KindRegex,
				Data:       StrategyData{Regex: &RegexData{Pattern: "x"}},
				Confidence: 1.2,
			},
			wantErr: true,
		},
		{
			name: "成功次数超过尝试次数",
			strategy: Strategy{
				ID: "s4", Domain: "*", TargetField: FieldPrice, Kind: KindRegex,
				Data:     StrategyData{Regex: &RegexData{Pattern: "x"}},
				Attempts: 1, Successes: 2,
			},
			wantErr: true,
		},
		{
			name: "composite策略步骤为空",
			strategy: Strategy{
				ID: "s5", Domain: "*", TargetField: FieldPrice, Kind: KindComposite,
				Data: StrategyData{Composite: &CompositeData{}}, Confidence: 0.5,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.strategy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStrategy_Clone(t *testing.T) {
	now := time.Now()
	s := &Strategy{
		ID: "parent", Domain: "loja.example.com", TargetField: FieldPrice, Kind: KindCSS,
		Data:        StrategyData{CSS: &CSSData{Selector: ".price"}},
		Confidence:  0.8,
		LastSuccess: &now,
		SampleURLs:  []string{"https://loja.example.com/p/1"},
	}

	c := s.Clone()
	if c.ID == s.ID {
		t.Error("克隆应分配新ID")
	}
	if c.ParentID != s.ID {
		t.Errorf("克隆的parent_id应指向原策略: got %s", c.ParentID)
	}
	c.SampleURLs[0] = "changed"
	if s.SampleURLs[0] == "changed" {
		t.Error("克隆应深拷贝sample_urls")
	}
}

func TestDomainState_Cooldown(t *testing.T) {
	now := time.Now()
	d := &DomainState{Domain: "loja.example.com"}

	// 第一次拦截: base
	d.ApplyBlock(now, 60*time.Second, 3600*time.Second, 2)
	first := d.CooldownUntil
	if want := now.Add(60 * time.Second); !first.Equal(want) {
		t.Errorf("首次拦截冷却 = %v, want %v", first.Sub(now), 60*time.Second)
	}

	// 第二次拦截: base×2, 单调延长
	d.ApplyBlock(now, 60*time.Second, 3600*time.Second, 2)
	second := d.CooldownUntil
	if want := now.Add(120 * time.Second); !second.Equal(want) {
		t.Errorf("二次拦截冷却 = %v, want %v", second.Sub(now), 120*time.Second)
	}
	if second.Before(first) {
		t.Error("冷却期必须单调不减")
	}

	// 封顶
	for i := 0; i < 10; i++ {
		d.ApplyBlock(now, 60*time.Second, 300*time.Second, 2)
	}
	if d.CooldownUntil.After(now.Add(300 * time.Second)) {
		t.Error("冷却期不能超过上限")
	}

	// 成功重置计数但不改写既有冷却
	before := d.CooldownUntil
	d.ApplySuccess()
	if d.ConsecutiveBlocks != 0 {
		t.Error("成功后连续拦截计数应归零")
	}
	if !d.CooldownUntil.Equal(before) {
		t.Error("成功不应改写既有冷却期")
	}
}

func TestAttemptResult_Validate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		attempt AttemptResult
		wantErr bool
	}{
		{
			name: "ok结果带记录",
			attempt: AttemptResult{
				URLID: "u1", StartedAt: now, FinishedAt: now.Add(time.Second),
				Outcome: OutcomeOK,
				Record:  &PriceRecord{URLID: "u1", Price: 99, Availability: InStock},
				StrategiesTried: []StrategyTrial{
					{StrategyID: "s1", Field: FieldPrice, Success: true},
				},
			},
			wantErr: false,
		},
		{
			name: "ok结果缺少记录",
			attempt: AttemptResult{
				URLID: "u1", StartedAt: now, FinishedAt: now.Add(time.Second),
				Outcome:         OutcomeOK,
				StrategiesTried: []StrategyTrial{{StrategyID: "s1"}},
			},
			wantErr: true,
		},
		{
			name: "结束早于开始",
			attempt: AttemptResult{
				URLID: "u1", StartedAt: now, FinishedAt: now.Add(-time.Second),
				Outcome: OutcomeCaptcha,
			},
			wantErr: true,
		},
		{
			name: "extraction_failed但无尝试明细",
			attempt: AttemptResult{
				URLID: "u1", StartedAt: now, FinishedAt: now,
				Outcome: OutcomeExtractionFailed,
			},
			wantErr: true,
		},
		{
			name: "captcha结果无需明细",
			attempt: AttemptResult{
				URLID: "u1", StartedAt: now, FinishedAt: now,
				Outcome: OutcomeCaptcha,
				Signals: []BlockSignal{{Kind: SignalCaptchaFrame}},
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.attempt.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAttemptResult_Key(t *testing.T) {
	now := time.Now()
	a := AttemptResult{URLID: "u1", StartedAt: now}
	b := AttemptResult{URLID: "u1", StartedAt: now}
	c := AttemptResult{URLID: "u2", StartedAt: now}

	if a.Key() != b.Key() {
		t.Error("相同(url_id, started_at)应产生相同去重键")
	}
	if a.Key() == c.Key() {
		t.Error("不同url_id应产生不同去重键")
	}
}
