package release

import (
	"fmt"
	"strings"
	"time"
)

// DefaultDelay 是 Delayed 策略未指定延迟时使用的值。
const DefaultDelay = 5 * time.Second

// Strategy 表示引用计数归零后的回收策略。
type Strategy int

const (
	// Immediate 归零后立即回收。
	Immediate Strategy = iota
	// Delayed 归零后等待一段时间再回收，期间重新获取会取消回收。
	Delayed
	// Manual 只在显式调用时回收。
	Manual
)

func (s Strategy) String() string {
	switch s {
	case Immediate:
		return "immediate"
	case Delayed:
		return "delayed"
	case Manual:
		return "manual"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy 解析配置中的策略名，空字符串视为 immediate。
func ParseStrategy(raw string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "immediate":
		return Immediate, nil
	case "delayed":
		return Delayed, nil
	case "manual":
		return Manual, nil
	default:
		return Immediate, fmt.Errorf("unknown release strategy %q", raw)
	}
}

func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
