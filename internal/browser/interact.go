package browser

import (
	"fmt"
	"math/rand"
	"time"
)

// InteractSpec 拟人交互脚本参数
// 交互并非装饰: 已知站点的懒加载价格块依赖滚动/悬停触发
type InteractSpec struct {
	ScrollStepsMin int           // 滚动步数下限 (默认3)
	ScrollStepsMax int           // 滚动步数上限 (默认6)
	PauseMin       time.Duration // 步间停顿下限 (默认500ms)
	PauseMax       time.Duration // 步间停顿上限 (默认2s)
	HoverSelectors []string      // 悬停目标选择器 (价格候选元素)
	DwellMax       time.Duration // 悬停后停留上限 (默认1s)
}

// DefaultInteractSpec 默认交互参数
func DefaultInteractSpec() InteractSpec {
	return InteractSpec{
		ScrollStepsMin: 3,
		ScrollStepsMax: 6,
		PauseMin:       500 * time.Millisecond,
		PauseMax:       2 * time.Second,
		HoverSelectors: []string{".price", ".price-current", "[itemprop=price]", "[data-price]"},
		DwellMax:       time.Second,
	}
}

// Interact 执行拟人交互: 变步长滚动+随机停顿+价格元素悬停
func (s *Session) Interact(spec InteractSpec) error {
	if spec.ScrollStepsMax < spec.ScrollStepsMin {
		spec = DefaultInteractSpec()
	}

	steps := spec.ScrollStepsMin
	if spread := spec.ScrollStepsMax - spec.ScrollStepsMin; spread > 0 {
		steps += rand.Intn(spread + 1)
	}

	// 分步滚动到页面约80%高度,步长与速度随机
	for i := 0; i < steps; i++ {
		fraction := 0.8 * float64(i+1) / float64(steps) * (0.9 + 0.2*rand.Float64())
		script := fmt.Sprintf(
			`() => window.scrollTo({top: document.body.scrollHeight * %.3f, behavior: "smooth"})`,
			fraction)
		if _, err := s.page.Eval(script); err != nil {
			return fmt.Errorf("滚动失败: %w", err)
		}
		sleepBetween(spec.PauseMin, spec.PauseMax)
	}

	// 悬停价格候选元素,短暂停留
	for _, selector := range spec.HoverSelectors {
		el, err := s.page.Timeout(time.Second).Element(selector)
		if err != nil || el == nil {
			continue
		}
		if err := el.Hover(); err != nil {
			continue
		}
		if spec.DwellMax > 0 {
			time.Sleep(time.Duration(rand.Int63n(int64(spec.DwellMax))))
		}
	}

	return nil
}

// sleepBetween 在[min,max]区间随机停顿
func sleepBetween(min, max time.Duration) {
	if max <= min {
		time.Sleep(min)
		return
	}
	time.Sleep(min + time.Duration(rand.Int63n(int64(max-min))))
}
