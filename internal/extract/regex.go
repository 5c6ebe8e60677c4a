package extract

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/RecoveryAshes/precotrack/internal/models"
)

// regexCache 编译后的正则缓存 (策略正则在运行期稳定,避免重复编译)
var regexCache sync.Map // pattern+flags -> *regexp.Regexp

// compileStrategy 编译策略正则,应用flags
func compileStrategy(data *models.RegexData) (*regexp.Regexp, error) {
	key := data.Flags + "\x00" + data.Pattern
	if cached, ok := regexCache.Load(key); ok {
		return cached.(*regexp.Regexp), nil
	}

	pattern := data.Pattern
	var prefix string
	for _, f := range data.Flags {
		switch f {
		case 'i':
			prefix += "i"
		case 's':
			prefix += "s"
		case 'm':
			prefix += "m"
		}
	}
	if prefix != "" {
		pattern = "(?" + prefix + ")" + pattern
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("正则编译失败 %q: %w", data.Pattern, err)
	}
	regexCache.Store(key, re)
	return re, nil
}

// matchRegex 执行regex策略
// scope=document在整个HTML上匹配; scope=selector在选中元素文本上匹配
func matchRegex(snap *Snapshot, scope scopeSet, data *models.RegexData) (string, bool) {
	re, err := compileStrategy(data)
	if err != nil {
		return "", false
	}

	var subject string
	switch {
	case scope != nil:
		// composite管道中: 在当前作用域文本上匹配
		subject = scope.text()
	case data.Scope == models.ScopeSelector && data.Selector != "":
		subject = snap.Doc.Find(data.Selector).Text()
	default:
		subject = snap.HTML
	}
	if subject == "" {
		return "", false
	}

	groups := re.FindStringSubmatch(subject)
	if groups == nil {
		return "", false
	}
	idx := data.GroupIndex
	if idx < 0 || idx >= len(groups) {
		idx = 0
	}
	if groups[idx] == "" {
		return "", false
	}
	return groups[idx], true
}
