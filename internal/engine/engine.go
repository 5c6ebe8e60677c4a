// Package engine 实现提取引擎: 端到端执行一次URL尝试
// 状态机: Init → AcquiringSession → Navigating → WaitingReady →
// Interacting → Snapshotting → Extracting → Validating → {Ok|Partial|Failed}
// 任意Pre-Extracting状态可短路到 Captcha/Blocked/NetworkError
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RecoveryAshes/precotrack/internal/browser"
	"github.com/RecoveryAshes/precotrack/internal/extract"
	"github.com/RecoveryAshes/precotrack/internal/fetch"
	"github.com/RecoveryAshes/precotrack/internal/models"
	"github.com/RecoveryAshes/precotrack/internal/proxy"
	"github.com/RecoveryAshes/precotrack/internal/queue"
	"github.com/rs/zerolog/log"
)

// Config 引擎配置
type Config struct {
	NavigationTimeout time.Duration // 导航硬超时
	NavigationMax     time.Duration // 自适应延长上限
	AttemptDeadline   time.Duration // 单次尝试总预算
	ReadyFloor        time.Duration // 就绪等待下限
}

// PortfolioSource 域名策略组合来源 (学习层实现)
type PortfolioSource interface {
	PortfolioFor(ctx context.Context, domain string) ([]*models.Strategy, error)
}

// FingerprintSource 域名指纹配置来源
type FingerprintSource interface {
	For(domain string) models.FingerprintProfile
}

// Engine 提取引擎
type Engine struct {
	config       Config
	browsers     *browser.Pool
	static       *fetch.StaticFetcher
	proxies      *proxy.Pool
	fingerprints FingerprintSource
	portfolios   PortfolioSource

	// 域名导航耗时EMA (自适应超时延长)
	mu             sync.Mutex
	domainNavTimes map[string]time.Duration
}

// New 创建引擎
func New(config Config, browsers *browser.Pool, static *fetch.StaticFetcher,
	proxies *proxy.Pool, fingerprints FingerprintSource, portfolios PortfolioSource) *Engine {
	return &Engine{
		config:         config,
		browsers:       browsers,
		static:         static,
		proxies:        proxies,
		fingerprints:   fingerprints,
		portfolios:     portfolios,
		domainNavTimes: make(map[string]time.Duration),
	}
}

// Attempt 执行一次URL尝试, 始终返回AttemptResult (发出后不可变更)
// 引擎自身不重试: 瞬时错误交给队列退避重排, 保持指纹/代理轮换集中在一处
func (e *Engine) Attempt(ctx context.Context, item *queue.Item) *models.AttemptResult {
	started := time.Now()
	result := &models.AttemptResult{
		URLID:     item.URLID,
		Domain:    item.Domain,
		StartedAt: started,
	}

	// 整次尝试的截止预算
	attemptCtx, cancel := context.WithTimeout(ctx, e.config.AttemptDeadline)
	defer cancel()

	var err error
	if item.Complexity == queue.Cheap {
		err = e.attemptStatic(attemptCtx, item, result)
	} else {
		err = e.attemptBrowser(attemptCtx, item, result)
	}

	result.FinishedAt = time.Now()

	if err != nil {
		e.classifyError(ctx, attemptCtx, err, result)
	}
	e.updateNavTime(item.Domain, result.FinishedAt.Sub(started))

	log.Info().Str("url_id", item.URLID).Str("domain", item.Domain).
		Str("outcome", string(result.Outcome)).
		Dur("elapsed", result.FinishedAt.Sub(started)).
		Int("tried", len(result.StrategiesTried)).
		Msg("尝试完成")
	return result
}

// attemptBrowser 浏览器路径: 完整状态机
func (e *Engine) attemptBrowser(ctx context.Context, item *queue.Item, result *models.AttemptResult) (err error) {
	fp := e.fingerprints.For(item.Domain)
	endpoint := e.proxies.Select(item.Domain)
	defer func() {
		e.proxies.Report(endpoint, result.Outcome)
	}()

	// AcquiringSession
	session, err := e.browsers.Acquire(ctx, fp, endpoint)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrBrowser, err)
	}
	// 会话在所有退出路径归还; 浏览器panic转为ErrBrowser并退役实例
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("url", item.URL).Msg("浏览器操作panic")
			e.browsers.RetireBrowser(session)
			err = fmt.Errorf("%w: panic: %v", ErrBrowser, r)
		}
		e.browsers.Release(session)
	}()

	// Navigating (域名自适应超时)
	if navErr := session.Navigate(item.URL, e.navTimeoutFor(item.Domain)); navErr != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, navErr)
	}

	// WaitingReady
	if readyErr := session.WaitReady(e.readyPredicate(ctx, item.Domain),
		e.config.NavigationTimeout, e.config.ReadyFloor); readyErr != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, readyErr)
	}

	// 拦截检测: 命中即短路, 冷却策略由学习层应用
	if signal := session.DetectBlock(); signal != nil {
		result.Signals = append(result.Signals, *signal)
		if signal.Kind == models.SignalCaptchaFrame {
			result.Outcome = models.OutcomeCaptcha
		} else {
			result.Outcome = models.OutcomeBlocked
		}
		return nil
	}

	// Interacting: 触发懒加载价格块
	if interactErr := session.Interact(browser.DefaultInteractSpec()); interactErr != nil {
		log.Warn().Err(interactErr).Str("url", item.URL).Msg("拟人交互失败,继续提取")
	}

	// Snapshotting
	html, err := session.Snapshot()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBrowser, err)
	}

	// Extracting + Validating
	return e.evaluate(ctx, item, html, result)
}

// attemptStatic cheap路径: 无浏览器的HTTP快速抓取
func (e *Engine) attemptStatic(ctx context.Context, item *queue.Item, result *models.AttemptResult) error {
	fp := e.fingerprints.For(item.Domain)
	endpoint := e.proxies.Select(item.Domain)
	defer func() {
		e.proxies.Report(endpoint, result.Outcome)
	}()

	fetched, err := e.static.Fetch(item.URL, fp, endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if fetched.Signal != nil {
		result.Signals = append(result.Signals, *fetched.Signal)
		if fetched.Signal.Kind == models.SignalCaptchaFrame {
			result.Outcome = models.OutcomeCaptcha
		} else {
			result.Outcome = models.OutcomeBlocked
		}
		return nil
	}

	return e.evaluate(ctx, item, fetched.HTML, result)
}

// evaluate 快照→评估器→记录校验
func (e *Engine) evaluate(ctx context.Context, item *queue.Item, html string, result *models.AttemptResult) error {
	snap, err := extract.NewSnapshot(html)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	strategies, err := e.portfolios.PortfolioFor(ctx, item.Domain)
	if err != nil {
		return fmt.Errorf("加载策略组合失败: %w", err)
	}

	evalResult := extract.Evaluate(item.URLID, snap, strategies, time.Now())
	result.StrategiesTried = evalResult.Trials

	if evalResult.Record == nil {
		result.Outcome = models.OutcomeExtractionFailed
		return nil
	}

	result.Record = evalResult.Record
	if evalResult.Violated {
		// 交叉校验违例: 记录保留(已剔除违例字段), 结局partial
		result.Outcome = models.OutcomePartial
		return nil
	}
	if validErr := evalResult.Record.Validate(); validErr != nil {
		log.Warn().Err(validErr).Str("url_id", item.URLID).Msg("记录不变量违例")
		result.Outcome = models.OutcomePartial
		return nil
	}

	result.Outcome = models.OutcomeOK
	return nil
}

// classifyError 错误到结局的映射
func (e *Engine) classifyError(parent, attempt context.Context, err error, result *models.AttemptResult) {
	switch {
	case parent.Err() != nil:
		// 停机取消: 不计入策略置信度
		result.Outcome = models.OutcomeNetworkError
		result.Cancelled = true
	case attempt.Err() != nil:
		// 截止预算耗尽
		result.Outcome = models.OutcomeNetworkError
		result.Signals = append(result.Signals, models.BlockSignal{Kind: models.SignalTimeout})
	case errors.Is(err, ErrBlocked):
		result.Outcome = models.OutcomeBlocked
	case errors.Is(err, ErrBrowser), errors.Is(err, ErrNetwork):
		result.Outcome = models.OutcomeNetworkError
	default:
		result.Outcome = models.OutcomeNetworkError
	}
	if !result.Cancelled {
		log.Warn().Err(err).Str("url_id", result.URLID).Str("outcome", string(result.Outcome)).
			Msg("尝试失败")
	}
}

// navTimeoutFor 域名自适应导航超时
// 基于滚动EMA延长: 在[navigation_timeout, navigation_max]内取 1.5×EMA
func (e *Engine) navTimeoutFor(domain string) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	ema, ok := e.domainNavTimes[domain]
	if !ok {
		return e.config.NavigationTimeout
	}
	adaptive := time.Duration(float64(ema) * 1.5)
	if adaptive < e.config.NavigationTimeout {
		return e.config.NavigationTimeout
	}
	if adaptive > e.config.NavigationMax {
		return e.config.NavigationMax
	}
	return adaptive
}

// updateNavTime 更新域名耗时EMA (新值权重0.3)
func (e *Engine) updateNavTime(domain string, elapsed time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ema, ok := e.domainNavTimes[domain]; ok {
		e.domainNavTimes[domain] = time.Duration(0.7*float64(ema) + 0.3*float64(elapsed))
	} else {
		e.domainNavTimes[domain] = elapsed
	}
}

// readyPredicate 域名就绪谓词
// 取该域名price字段最高优先级CSS策略的选择器存在性作为就绪条件
func (e *Engine) readyPredicate(ctx context.Context, domain string) string {
	strategies, err := e.portfolios.PortfolioFor(ctx, domain)
	if err != nil {
		return ""
	}
	best := ""
	bestPriority := int(^uint(0) >> 1)
	for _, s := range strategies {
		if s.TargetField != models.FieldPrice || s.Kind != models.KindCSS || s.IsGeneric() {
			continue
		}
		if s.Data.CSS != nil && s.Priority < bestPriority {
			best = s.Data.CSS.Selector
			bestPriority = s.Priority
		}
	}
	if best == "" {
		return ""
	}
	return fmt.Sprintf(`() => !!document.querySelector(%q)`, best)
}
