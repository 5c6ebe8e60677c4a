package models

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// MonitoredURL 被监控的商品URL
// 由外部管理端创建;调度器更新last_check,学习层更新动态优先级提示
type MonitoredURL struct {
	ID           string        `json:"id"`            // 唯一ID (UUID)
	URL          string        `json:"url"`           // 商品页URL (唯一)
	Domain       string        `json:"domain"`        // 从URL解析的域名
	Priority     int           `json:"priority"`      // 优先级 0-9 (9最高)
	BaseInterval time.Duration `json:"base_interval"` // 基础监控间隔
	LastCheck    time.Time     `json:"last_check"`    // 最后一次检查时间
	Active       bool          `json:"active"`        // 是否参与调度
}

// NewMonitoredURL 创建被监控URL
func NewMonitoredURL(rawURL string, priority int, baseInterval time.Duration) (*MonitoredURL, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	domain, err := DomainOf(rawURL)
	if err != nil {
		return nil, err
	}

	m := &MonitoredURL{
		ID:           generateID(),
		URL:          rawURL,
		Domain:       domain,
		Priority:     priority,
		BaseInterval: baseInterval,
		Active:       true,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate 验证URL记录的不变量
func (m *MonitoredURL) Validate() error {
	if err := ValidateURL(m.URL); err != nil {
		return err
	}
	if m.Priority < 0 || m.Priority > 9 {
		return fmt.Errorf("优先级必须在0-9之间: %d", m.Priority)
	}
	if m.BaseInterval <= 0 {
		return fmt.Errorf("基础间隔必须为正: %s", m.BaseInterval)
	}
	derived, err := DomainOf(m.URL)
	if err != nil {
		return err
	}
	if m.Domain != derived {
		return fmt.Errorf("域名与URL不一致: %s != %s", m.Domain, derived)
	}
	return nil
}

// IntervalFactor 根据优先级计算间隔系数
// f(0)=1.5, f(9)=0.5, 线性插值; 优先级越高检查越频繁
func (m *MonitoredURL) IntervalFactor() float64 {
	p := m.Priority
	if p < 0 {
		p = 0
	}
	if p > 9 {
		p = 9
	}
	return 1.5 - float64(p)/9.0
}

// DomainOf 从URL解析域名(小写Host)
func DomainOf(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("无效的URL: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("URL必须包含主机名")
	}
	return strings.ToLower(parsed.Host), nil
}
