package main

import (
	"fmt"
	"net/url"

	"github.com/RecoveryAshes/precotrack/internal/models"
)

// ValidateURL 验证URL格式
func ValidateURL(urlStr string) error {
	return models.ValidateURL(urlStr)
}

// ValidateSeedFlags 验证seed子命令标志
func ValidateSeedFlags(urlFile string, priority int, intervalMinutes int) error {
	if urlFile == "" {
		return fmt.Errorf("URL文件路径不能为空")
	}
	if priority < 0 || priority > 9 {
		return fmt.Errorf("优先级必须在0-9之间,当前值: %d", priority)
	}
	if intervalMinutes < 1 || intervalMinutes > 7*24*60 {
		return fmt.Errorf("监控间隔必须在1分钟到7天之间,当前值: %d", intervalMinutes)
	}
	return nil
}

// ValidateScanFlags 验证scan子命令标志
func ValidateScanFlags(urlFile string, batchDelay int) error {
	if urlFile == "" {
		return fmt.Errorf("URL文件路径不能为空")
	}
	if batchDelay < 0 || batchDelay > 600 {
		return fmt.Errorf("批量间隔必须在0-600秒之间,当前值: %d", batchDelay)
	}
	return nil
}

// NormalizeURL 规范化URL
func NormalizeURL(urlStr string) (string, error) {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return "", err
	}

	// 如果没有协议,默认使用https
	if parsed.Scheme == "" {
		urlStr = "https://" + urlStr
		parsed, err = url.Parse(urlStr)
		if err != nil {
			return "", err
		}
	}

	return parsed.String(), nil
}
