package engine

import "errors"

// 引擎错误分类
// 瞬时错误由队列退避重试; 持久错误作为信号流向学习层
var (
	// ErrNetwork 传输/DNS/超时类错误 (瞬时: 退避重试+轮换代理)
	ErrNetwork = errors.New("网络错误")

	// ErrBrowser 会话崩溃/协议失步 (瞬时: 退役浏览器实例后用新会话重试)
	ErrBrowser = errors.New("浏览器错误")

	// ErrBlocked 反爬拦截确认 (不立即重试: 冷却+轮换指纹与代理)
	ErrBlocked = errors.New("目标站拦截")
)
