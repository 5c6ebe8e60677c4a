package utils

import (
	"net/url"
)

// RedactEndpoint 脱敏代理端点URL (用于日志)
// 隐藏userinfo中的密码,保留用户名前4位
func RedactEndpoint(endpoint string) string {
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.User == nil {
		return endpoint
	}

	user := parsed.User.Username()
	if len(user) > 4 {
		user = user[:4] + "***"
	}
	if _, hasPassword := parsed.User.Password(); hasPassword {
		parsed.User = url.UserPassword(user, "xxx")
	} else {
		parsed.User = url.User(user)
	}

	return parsed.String()
}
