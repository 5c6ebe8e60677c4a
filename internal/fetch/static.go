// Package fetch 提供不经浏览器的HTTP快速抓取路径
// complexity_class=cheap的URL走这条路径: 静态HTML站点无需渲染,
// 省去浏览器会话的启动与交互开销
package fetch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/RecoveryAshes/precotrack/internal/models"
	"github.com/andybalholm/brotli"
	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog/log"
)

// Result 一次静态抓取的结果
type Result struct {
	HTML       string
	StatusCode int
	Signal     *models.BlockSignal // 拦截信号 (无则nil)
}

// StaticFetcher 基于Colly的静态页面抓取器
type StaticFetcher struct {
	timeout time.Duration
}

// NewStaticFetcher 创建静态抓取器
func NewStaticFetcher(timeout time.Duration) *StaticFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StaticFetcher{timeout: timeout}
}

// Fetch 抓取单个页面
// 指纹的UA/语言头与代理按会话应用; 响应体按Content-Encoding解压
func (sf *StaticFetcher) Fetch(rawURL string, fp models.FingerprintProfile, proxy string) (*Result, error) {
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)
	c.SetRequestTimeout(sf.timeout)

	if proxy != "" {
		if err := c.SetProxy(proxy); err != nil {
			return nil, fmt.Errorf("设置代理失败: %w", err)
		}
	}

	c.OnRequest(func(r *colly.Request) {
		if fp.UserAgent != "" {
			r.Headers.Set("User-Agent", fp.UserAgent)
		}
		if fp.AcceptLanguage != "" {
			r.Headers.Set("Accept-Language", fp.AcceptLanguage)
		}
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Encoding", "gzip, deflate, br")
	})

	var (
		mu     sync.Mutex
		result *Result
		cbErr  error
	)

	c.OnResponse(func(r *colly.Response) {
		body := r.Body
		if encoding := r.Headers.Get("Content-Encoding"); encoding != "" {
			decompressed, err := decompressResponse(encoding, r.Body)
			if err != nil {
				log.Warn().Err(err).Str("encoding", encoding).Msg("解压响应失败,使用原始body")
			} else {
				body = decompressed
			}
		}

		mu.Lock()
		defer mu.Unlock()
		result = &Result{
			HTML:       string(body),
			StatusCode: r.StatusCode,
			Signal:     detectBlockSignal(r.StatusCode, string(body)),
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		defer mu.Unlock()
		if r != nil && (r.StatusCode == http.StatusForbidden || r.StatusCode == http.StatusTooManyRequests ||
			r.StatusCode == http.StatusServiceUnavailable) {
			// 拦截类状态码不是传输错误: 交给上层按BlockSignal处理
			result = &Result{
				HTML:       string(r.Body),
				StatusCode: r.StatusCode,
				Signal: &models.BlockSignal{
					Kind:   models.SignalHTTPStatus,
					Detail: fmt.Sprintf("HTTP %d", r.StatusCode),
				},
			}
			return
		}
		cbErr = err
	})

	if err := c.Visit(rawURL); err != nil {
		return nil, fmt.Errorf("访问失败 [%s]: %w", rawURL, err)
	}
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	if cbErr != nil {
		return nil, fmt.Errorf("抓取失败 [%s]: %w", rawURL, cbErr)
	}
	if result == nil {
		return nil, fmt.Errorf("抓取无响应 [%s]", rawURL)
	}
	return result, nil
}

// detectBlockSignal 静态路径的拦截检测: 状态码类 + 空响应体启发
func detectBlockSignal(statusCode int, body string) *models.BlockSignal {
	if statusCode == http.StatusForbidden || statusCode == http.StatusTooManyRequests {
		return &models.BlockSignal{Kind: models.SignalHTTPStatus, Detail: fmt.Sprintf("HTTP %d", statusCode)}
	}
	lower := strings.ToLower(body)
	if strings.Contains(lower, "captcha") || strings.Contains(lower, "recaptcha") {
		return &models.BlockSignal{Kind: models.SignalCaptchaFrame}
	}
	if len(strings.TrimSpace(body)) < 120 {
		return &models.BlockSignal{Kind: models.SignalEmptyBody}
	}
	return nil
}

// decompressResponse 根据Content-Encoding头部解压响应体
// 支持 gzip, deflate, br (Brotli) 三种压缩格式
func decompressResponse(contentEncoding string, body []byte) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(contentEncoding))

	switch encoding {
	case "gzip":
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip解压失败: %w", err)
		}
		defer reader.Close()

		decompressed, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("gzip读取失败: %w", err)
		}
		return decompressed, nil

	case "deflate":
		reader := flate.NewReader(bytes.NewReader(body))
		defer reader.Close()

		decompressed, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("deflate读取失败: %w", err)
		}
		return decompressed, nil

	case "br":
		reader := brotli.NewReader(bytes.NewReader(body))
		decompressed, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("brotli读取失败: %w", err)
		}
		return decompressed, nil

	case "", "identity":
		return body, nil

	default:
		return nil, fmt.Errorf("不支持的压缩格式: %s", encoding)
	}
}
