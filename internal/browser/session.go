// Package browser 提供浏览器会话能力(PageSession)与有界会话池
// 基于rod驱动无头Chrome,会话创建时应用stealth补丁与指纹配置
package browser

import (
	"fmt"
	"time"

	"github.com/RecoveryAshes/precotrack/internal/models"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
)

// PageSession 浏览器标签页能力抽象
// 所有实现须保证Close幂等
type PageSession interface {
	// Navigate 导航到URL,受timeout约束
	Navigate(url string, timeout time.Duration) error

	// WaitReady 等待页面就绪: DOM加载完成 且 (网络空闲 或 就绪谓词满足),
	// 以floor为等待下限(容许懒加载价格渲染)
	WaitReady(predicate string, timeout, floor time.Duration) error

	// Snapshot 获取当前DOM的序列化HTML
	Snapshot() (string, error)

	// Interact 执行拟人交互脚本(滚动/悬停/停留)
	Interact(spec InteractSpec) error

	// DetectBlock 检测拦截信号; 无信号返回nil
	DetectBlock() *models.BlockSignal

	// Close 关闭会话(幂等)
	Close() error
}

// Session rod实现的浏览器会话
type Session struct {
	page        *rod.Page
	fingerprint models.FingerprintProfile
	proxy       string
	pool        *Pool
	closed      bool
}

// Navigate 导航到URL
func (s *Session) Navigate(url string, timeout time.Duration) error {
	page := s.page.Timeout(timeout)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("导航失败 [%s]: %w", url, err)
	}
	return nil
}

// WaitReady 等待页面就绪
// DOM加载完成后,网络空闲与就绪谓词二者先到为准; floor兜底懒加载
func (s *Session) WaitReady(predicate string, timeout, floor time.Duration) error {
	start := time.Now()

	page := s.page.Timeout(timeout)
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("等待页面加载失败: %w", err)
	}

	// 网络空闲(500ms)与域名就绪谓词竞速
	done := make(chan struct{}, 2)
	waitIdle := page.WaitRequestIdle(500*time.Millisecond, nil, nil, nil)
	go func() {
		waitIdle()
		done <- struct{}{}
	}()
	if predicate != "" {
		go func() {
			deadline := time.Now().Add(timeout)
			for time.Now().Before(deadline) {
				result, err := s.page.Eval(predicate)
				if err == nil && result.Value.Bool() {
					done <- struct{}{}
					return
				}
				time.Sleep(200 * time.Millisecond)
			}
			done <- struct{}{}
		}()
	}

	select {
	case <-done:
	case <-time.After(timeout):
	}

	// 就绪等待下限: 留出懒加载价格块的渲染时间
	if elapsed := time.Since(start); elapsed < floor {
		time.Sleep(floor - elapsed)
	}
	return nil
}

// Snapshot 获取序列化HTML
func (s *Session) Snapshot() (string, error) {
	html, err := s.page.HTML()
	if err != nil {
		return "", fmt.Errorf("获取页面HTML失败: %w", err)
	}
	return html, nil
}

// Close 关闭会话(幂等); 页面归还由Pool.Release处理
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.page.Close(); err != nil {
		return fmt.Errorf("关闭标签页失败: %w", err)
	}
	return nil
}

// newSession 在浏览器上创建stealth页面并应用指纹
func newSession(b *rod.Browser, fp models.FingerprintProfile, proxy string, pool *Pool) (*Session, error) {
	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("创建stealth页面失败: %w", err)
	}

	// 整体应用指纹: UA/语言/时区/屏幕
	if fp.UserAgent != "" {
		override := &proto.NetworkSetUserAgentOverride{UserAgent: fp.UserAgent}
		if fp.AcceptLanguage != "" {
			override.AcceptLanguage = fp.AcceptLanguage
		}
		if err := page.SetUserAgent(override); err != nil {
			page.Close()
			return nil, fmt.Errorf("设置UA失败: %w", err)
		}
	}
	if fp.Timezone != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: fp.Timezone}).Call(page); err != nil {
			log.Warn().Err(err).Str("timezone", fp.Timezone).Msg("设置时区失败")
		}
	}
	if fp.ScreenWidth > 0 && fp.ScreenHeight > 0 {
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             fp.ScreenWidth,
			Height:            fp.ScreenHeight,
			DeviceScaleFactor: 1,
		}); err != nil {
			log.Warn().Err(err).Msg("设置视口失败")
		}
	}

	return &Session{page: page, fingerprint: fp, proxy: proxy, pool: pool}, nil
}
