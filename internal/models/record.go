package models

import (
	"fmt"
	"time"
)

// Availability 库存状态
type Availability string

const (
	InStock    Availability = "in_stock"     // 有货
	LowStock   Availability = "low_stock"    // 库存紧张
	OutOfStock Availability = "out_of_stock" // 缺货
	PreOrder   Availability = "pre_order"    // 预售
	Unknown    Availability = "unknown"      // 未知
)

// PixPriceTolerance pix_price与price的容差系数
// 部分站点PIX价含四舍五入误差,允许pix_price ≤ price × 1.05
const PixPriceTolerance = 1.05

// InstallmentPlan 单个分期方案
// 形如 "12x de R$ 108,33 sem juros"
type InstallmentPlan struct {
	Value        float64 `json:"value"`         // 每期金额
	Times        int     `json:"times"`         // 期数
	InterestFlag bool    `json:"interest_flag"` // 是否含息
}

// PriceRecord 一次成功提取产生的价格记录
// 写入一次,永不变更
type PriceRecord struct {
	URLID            string            `json:"url_id"`
	CheckedAt        time.Time         `json:"checked_at"`
	Price            float64           `json:"price"`
	OldPrice         *float64          `json:"old_price,omitempty"`
	PixPrice         *float64          `json:"pix_price,omitempty"`
	Installments     []InstallmentPlan `json:"installments,omitempty"`
	Availability     Availability      `json:"availability"`
	AvailabilityText string            `json:"availability_text,omitempty"`
	Seller           string            `json:"seller,omitempty"`
	PromotionLabels  []string          `json:"promotion_labels,omitempty"`
	PromotionEnd     *time.Time        `json:"promotion_end,omitempty"`
	StrategyID       string            `json:"extraction_strategy_id"`
	Confidence       float64           `json:"extraction_confidence"` // 必需字段的最小字段级置信度
}

// Validate 验证价格记录的不变量
func (r *PriceRecord) Validate() error {
	if r.URLID == "" {
		return fmt.Errorf("记录缺少url_id")
	}
	if r.Price < 0 {
		return fmt.Errorf("价格不能为负: %f", r.Price)
	}
	if r.PixPrice != nil && *r.PixPrice > r.Price*PixPriceTolerance {
		return fmt.Errorf("pix价超过容差: pix=%f price=%f", *r.PixPrice, r.Price)
	}
	if r.OldPrice != nil && *r.OldPrice < r.Price {
		return fmt.Errorf("原价不能低于现价: old=%f price=%f", *r.OldPrice, r.Price)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("提取置信度必须在[0,1]之间: %f", r.Confidence)
	}
	switch r.Availability {
	case InStock, LowStock, OutOfStock, PreOrder, Unknown:
	default:
		return fmt.Errorf("未知的库存状态: %s", r.Availability)
	}
	return nil
}
