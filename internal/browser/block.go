package browser

import (
	"strings"

	"github.com/RecoveryAshes/precotrack/internal/models"
)

// captchaSelectors 验证码元素特征
var captchaSelectors = []string{
	`iframe[src*="captcha"]`,
	`iframe[src*="recaptcha"]`,
	`iframe[src*="hcaptcha"]`,
	`.g-recaptcha`,
	`#captcha`,
	`[class*="captcha"]`,
}

// challengeURLPatterns 已知反爬挑战URL片段
var challengeURLPatterns = []string{
	"/challenge",
	"cf_chl",
	"distil_r_captcha",
	"perimeterx",
	"px-captcha",
	"validate.perfdrive",
	"geo.captcha-delivery.com",
}

// blockedTitleMarkers 拦截页标题特征
var blockedTitleMarkers = []string{
	"access denied",
	"just a moment",
	"attention required",
	"are you a robot",
	"robot check",
	"forbidden",
}

// emptyBodyThreshold 空响应体启发: 渲染文本短于该值视为可疑
const emptyBodyThreshold = 120

// DetectBlock 检测页面上的拦截/验证码信号
// 信号优先级: 挑战URL > 验证码元素 > 标题特征 > 空响应体
func (s *Session) DetectBlock() *models.BlockSignal {
	// 导航后的最终URL可能已被重定向到挑战页
	info, err := s.page.Info()
	if err == nil {
		lowerURL := strings.ToLower(info.URL)
		for _, pattern := range challengeURLPatterns {
			if strings.Contains(lowerURL, pattern) {
				return &models.BlockSignal{Kind: models.SignalChallengeURL, Detail: pattern}
			}
		}
	}

	// 验证码iframe/容器
	for _, selector := range captchaSelectors {
		has, _, err := s.page.Has(selector)
		if err == nil && has {
			return &models.BlockSignal{Kind: models.SignalCaptchaFrame, Detail: selector}
		}
	}

	// 标题特征
	if info != nil {
		lowerTitle := strings.ToLower(info.Title)
		for _, marker := range blockedTitleMarkers {
			if strings.Contains(lowerTitle, marker) {
				return &models.BlockSignal{Kind: models.SignalHTTPStatus, Detail: marker}
			}
		}
	}

	// 空响应体启发
	result, err := s.page.Eval(`() => document.body ? document.body.innerText.trim().length : 0`)
	if err == nil && result.Value.Int() < emptyBodyThreshold {
		return &models.BlockSignal{Kind: models.SignalEmptyBody}
	}

	return nil
}
