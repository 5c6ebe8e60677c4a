package extract

import (
	"sort"
	"strings"
	"time"

	"github.com/RecoveryAshes/precotrack/internal/models"
	"github.com/rs/zerolog/log"
)

// fieldOrder 字段求值顺序 (价格族优先, 交叉校验依赖price)
var fieldOrder = []models.TargetField{
	models.FieldPrice,
	models.FieldOldPrice,
	models.FieldPixPrice,
	models.FieldInstallment,
	models.FieldAvailability,
	models.FieldSeller,
	models.FieldPromotion,
}

// candidate 单字段的候选值
type candidate struct {
	raw          string
	price        float64 // 价格族字段
	availability models.Availability
	availText    string
	plans        []models.InstallmentPlan
	text         string // seller/promotion
	strategyID   string
	confidence   float64
	trialIdx     int // 对应trial在结果列表中的下标 (交叉校验罚分用)
	nextIdx      int // 该字段策略列表中的下一个候选下标 (重试用)
}

// Result 一次评估的产出
type Result struct {
	Record   *models.PriceRecord    // price缺失时为nil
	Trials   []models.StrategyTrial // 所有(字段,策略)尝试明细
	Violated bool                   // 交叉校验违例(重试后仍违例)
}

// Evaluate 对快照应用域名策略组合,产出价格记录候选与逐策略结果
// 同字段内按(通配在后, priority升序, confidence降序, id)顺序尝试,首个有效者胜出
func Evaluate(urlID string, snap *Snapshot, strategies []*models.Strategy, now time.Time) *Result {
	byField := groupStrategies(strategies)
	result := &Result{}
	candidates := make(map[models.TargetField]*candidate)

	for _, field := range fieldOrder {
		list := byField[field]
		if len(list) == 0 {
			continue
		}
		if c := evaluateField(snap, field, list, 0, result); c != nil {
			candidates[field] = c
		}
	}

	// 交叉字段校验: pix_price ≤ price×容差; old_price ≥ price
	// 违例时罚分可选字段(pix_price/old_price)并重试一次,仍违例则丢弃该字段;
	// price从不作为被重试的字段, 与各字段置信度高低无关
	result.Violated = resolveCrossField(snap, byField, candidates, result)

	price, ok := candidates[models.FieldPrice]
	if !ok {
		return result
	}

	record := &models.PriceRecord{
		URLID:        urlID,
		CheckedAt:    now,
		Price:        price.price,
		Availability: models.Unknown,
		StrategyID:   price.strategyID,
		Confidence:   price.confidence,
	}
	if c, ok := candidates[models.FieldOldPrice]; ok {
		v := c.price
		record.OldPrice = &v
	}
	if c, ok := candidates[models.FieldPixPrice]; ok {
		v := c.price
		record.PixPrice = &v
	}
	if c, ok := candidates[models.FieldInstallment]; ok {
		record.Installments = c.plans
	}
	if c, ok := candidates[models.FieldAvailability]; ok {
		record.Availability = c.availability
		record.AvailabilityText = c.availText
	}
	if c, ok := candidates[models.FieldSeller]; ok {
		record.Seller = c.text
	}
	if c, ok := candidates[models.FieldPromotion]; ok {
		record.PromotionLabels = splitLabels(c.text)
	}

	result.Record = record
	return result
}

// groupStrategies 按字段分组并排序
// 排序键: 域名专属在前(通配兜底), priority升序, confidence降序, id
func groupStrategies(strategies []*models.Strategy) map[models.TargetField][]*models.Strategy {
	byField := make(map[models.TargetField][]*models.Strategy)
	for _, s := range strategies {
		byField[s.TargetField] = append(byField[s.TargetField], s)
	}
	for _, list := range byField {
		sort.Slice(list, func(i, j int) bool {
			a, b := list[i], list[j]
			if a.IsGeneric() != b.IsGeneric() {
				return !a.IsGeneric()
			}
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			if a.Confidence != b.Confidence {
				return a.Confidence > b.Confidence
			}
			return a.ID < b.ID
		})
	}
	return byField
}

// evaluateField 对单字段按序尝试策略,首个有效者胜出
// startIdx>0用于交叉校验后的重试; 每次尝试无论成败都记录trial
func evaluateField(snap *Snapshot, field models.TargetField, list []*models.Strategy, startIdx int, result *Result) *candidate {
	for i := startIdx; i < len(list); i++ {
		s := list[i]
		start := time.Now()
		raw, matched := dispatch(snap, s)

		c := &candidate{
			raw:        raw,
			strategyID: s.ID,
			confidence: s.Confidence,
			nextIdx:    i + 1,
		}
		ok := matched && normalizeInto(field, raw, c)

		result.Trials = append(result.Trials, models.StrategyTrial{
			StrategyID: s.ID,
			Field:      field,
			Success:    ok,
			Confidence: s.Confidence,
			Elapsed:    time.Since(start),
		})
		c.trialIdx = len(result.Trials) - 1

		if ok {
			return c
		}
	}
	return nil
}

// dispatch 按策略类型分发到匹配器
func dispatch(snap *Snapshot, s *models.Strategy) (string, bool) {
	switch s.Kind {
	case models.KindRegex:
		if s.Data.Regex == nil {
			return "", false
		}
		return matchRegex(snap, nil, s.Data.Regex)
	case models.KindCSS:
		if s.Data.CSS == nil {
			return "", false
		}
		return matchCSS(snap, nil, s.Data.CSS)
	case models.KindXPath:
		if s.Data.XPath == nil {
			return "", false
		}
		return matchXPath(snap, nil, s.Data.XPath)
	case models.KindSemantic:
		if s.Data.Semantic == nil {
			return "", false
		}
		return matchSemantic(snap, nil, s.Data.Semantic)
	case models.KindComposite:
		if s.Data.Composite == nil {
			return "", false
		}
		return matchComposite(snap, nil, s.Data.Composite, 1)
	default:
		log.Warn().Str("kind", string(s.Kind)).Str("strategy", s.ID).Msg("未知的策略类型")
		return "", false
	}
}

// normalizeInto 应用字段归一化与字段级校验; 失败视为非匹配
func normalizeInto(field models.TargetField, raw string, c *candidate) bool {
	switch field {
	case models.FieldPrice, models.FieldOldPrice, models.FieldPixPrice:
		price, err := ParsePrice(raw)
		if err != nil || price < 0 {
			return false
		}
		c.price = price
		return true
	case models.FieldAvailability:
		status, keyword := NormalizeAvailability(raw)
		if status == models.Unknown {
			return false
		}
		c.availability = status
		c.availText = keyword
		return true
	case models.FieldInstallment:
		plans, err := ParseInstallments(raw)
		if err != nil {
			return false
		}
		c.plans = plans
		return true
	case models.FieldSeller, models.FieldPromotion:
		text := strings.TrimSpace(raw)
		if text == "" || len(text) > 200 {
			return false
		}
		c.text = text
		return true
	default:
		return false
	}
}

// resolveCrossField 交叉字段校验与单次重试
// 返回true表示重试后仍有违例(整体结局为partial)
func resolveCrossField(snap *Snapshot, byField map[models.TargetField][]*models.Strategy, candidates map[models.TargetField]*candidate, result *Result) bool {
	violated := false

	check := func(offending models.TargetField, invalid func() bool) {
		if !invalid() {
			return
		}
		c := candidates[offending]
		// 罚分: 将违例字段的成功trial翻转为失败
		result.Trials[c.trialIdx].Success = false

		// 用该字段的下一个策略重试一次
		retry := evaluateField(snap, offending, byField[offending], c.nextIdx, result)
		if retry != nil {
			candidates[offending] = retry
			if !invalid() {
				return
			}
			result.Trials[retry.trialIdx].Success = false
		}
		// 仍违例: 丢弃该字段, 整体partial
		delete(candidates, offending)
		violated = true
	}

	price, hasPrice := candidates[models.FieldPrice]
	if !hasPrice {
		return false
	}

	if _, ok := candidates[models.FieldPixPrice]; ok {
		check(models.FieldPixPrice, func() bool {
			c, ok := candidates[models.FieldPixPrice]
			return ok && c.price > price.price*models.PixPriceTolerance
		})
	}
	if _, ok := candidates[models.FieldOldPrice]; ok {
		check(models.FieldOldPrice, func() bool {
			c, ok := candidates[models.FieldOldPrice]
			return ok && c.price < price.price
		})
	}

	return violated
}

// splitLabels 将促销文本拆分为标签列表
func splitLabels(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == ';' || r == '|' || r == '\n'
	})
	labels := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			labels = append(labels, p)
		}
	}
	return labels
}
