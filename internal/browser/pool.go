package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/RecoveryAshes/precotrack/internal/models"
	"github.com/RecoveryAshes/precotrack/internal/utils"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/rs/zerolog/log"
)

// PoolConfig 会话池配置
type PoolConfig struct {
	MaxBrowsers int  // 同时保活的浏览器实例上限 (每个代理端点一个实例)
	Headless    bool // 无头模式
}

// Pool 有界浏览器会话池
// 职责: 管理浏览器实例与标签页的生命周期,按资源限制约束并发会话数
// 代理是浏览器级配置,因此实例按代理端点缓存复用
type Pool struct {
	config  PoolConfig
	monitor *ResourceMonitor

	// 代理端点 -> 浏览器实例 (空串=直连)
	browsers map[string]*rod.Browser
	mu       sync.Mutex

	// 会话槽位 (有界并发)
	slots chan struct{}

	closed bool
}

// NewPool 创建会话池
func NewPool(config PoolConfig, monitor *ResourceMonitor) *Pool {
	maxSessions := monitor.CalculateMaxSessions()
	return &Pool{
		config:   config,
		monitor:  monitor,
		browsers: make(map[string]*rod.Browser),
		slots:    make(chan struct{}, maxSessions),
	}
}

// Acquire 获取一个配置好指纹与代理的会话
// 会话槽位耗尽时阻塞,直到有会话释放或ctx取消; 所有退出路径都必须调用Release
func (p *Pool) Acquire(ctx context.Context, fp models.FingerprintProfile, proxy string) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("会话池已关闭")
	}
	p.mu.Unlock()

	// 占用槽位
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case p.slots <- struct{}{}:
	}

	// 资源不足时拒绝创建(槽位立即归还)
	if canCreate, reason := p.monitor.CheckResourceAvailability(); !canCreate {
		<-p.slots
		return nil, fmt.Errorf("资源不足,无法创建会话: %s", reason)
	}

	b, err := p.browserFor(proxy)
	if err != nil {
		<-p.slots
		return nil, err
	}

	session, err := newSession(b, fp, proxy, p)
	if err != nil {
		// 创建页面失败通常意味着浏览器崩溃,销毁实例待下次重建
		p.destroyBrowser(proxy)
		<-p.slots
		return nil, err
	}
	return session, nil
}

// Release 归还会话; 所有退出路径(含panic恢复)都应经过这里
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		log.Warn().Err(err).Msg("关闭会话失败")
	}
	<-p.slots
}

// RetireBrowser 会话崩溃后退役其浏览器实例 (BrowserError处理路径)
func (p *Pool) RetireBrowser(s *Session) {
	if s == nil {
		return
	}
	log.Warn().Str("proxy", utils.RedactEndpoint(s.proxy)).Msg("浏览器实例退役")
	p.destroyBrowser(s.proxy)
}

// browserFor 获取或启动代理端点对应的浏览器实例
func (p *Pool) browserFor(proxy string) (*rod.Browser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b, ok := p.browsers[proxy]; ok {
		return b, nil
	}

	// 实例数达上限时剔除任意一个(其在途页面继续存活至关闭)
	if len(p.browsers) >= p.config.MaxBrowsers && p.config.MaxBrowsers > 0 {
		for key, b := range p.browsers {
			delete(p.browsers, key)
			go func(b *rod.Browser) {
				if err := b.Close(); err != nil {
					log.Warn().Err(err).Msg("关闭浏览器实例失败")
				}
			}(b)
			break
		}
	}

	l := launcher.New().Headless(p.config.Headless)
	if proxy != "" {
		l = l.Proxy(proxy)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("启动浏览器失败: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("连接浏览器失败: %w", err)
	}

	p.browsers[proxy] = b
	log.Debug().Str("proxy", utils.RedactEndpoint(proxy)).Int("browsers", len(p.browsers)).
		Msg("浏览器实例已启动")
	return b, nil
}

// destroyBrowser 销毁代理端点对应的浏览器实例
func (p *Pool) destroyBrowser(proxy string) {
	p.mu.Lock()
	b, ok := p.browsers[proxy]
	if ok {
		delete(p.browsers, proxy)
	}
	p.mu.Unlock()

	if ok {
		if err := b.Close(); err != nil {
			log.Warn().Err(err).Msg("关闭浏览器实例失败")
		}
	}
}

// Close 关闭会话池,销毁所有浏览器实例
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	browsers := p.browsers
	p.browsers = make(map[string]*rod.Browser)
	p.mu.Unlock()

	for _, b := range browsers {
		if err := b.Close(); err != nil {
			log.Warn().Err(err).Msg("关闭浏览器实例失败")
		}
	}
	log.Info().Msg("会话池已关闭")
	return nil
}
