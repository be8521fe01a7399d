package actuator

import (
	"fmt"
	"strings"
)

// Condition selects how a reading is compared with a rule threshold
type Condition int

const (
	ConditionBelow Condition = iota + 1
	ConditionAbove
)

func (c Condition) String() string {
	switch c {
	case ConditionBelow:
		return "temp below"
	case ConditionAbove:
		return "temp above"
	default:
		return fmt.Sprintf("condition(%d)", int(c))
	}
}

// Effect is what a triggered rule does to its pin
type Effect int

const (
	EffectEnable Effect = iota + 1
	EffectDisable
)

func (e Effect) String() string {
	switch e {
	case EffectEnable:
		return "enable"
	case EffectDisable:
		return "disable"
	default:
		return fmt.Sprintf("effect(%d)", int(e))
	}
}

// Rule drives Pin when a reading satisfies Condition against Threshold
type Rule struct {
	Condition Condition
	Threshold float64
	Effect    Effect
	Pin       int
}

// Matches reports whether value triggers the rule. Comparisons are strict.
func (r Rule) Matches(value float64) bool {
	switch r.Condition {
	case ConditionBelow:
		return value < r.Threshold
	case ConditionAbove:
		return value > r.Threshold
	}
	return false
}

// ParseCondition converts a configuration tag to a Condition
func ParseCondition(tag string) (Condition, error) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "temp below":
		return ConditionBelow, nil
	case "temp above":
		return ConditionAbove, nil
	}
	return 0, fmt.Errorf("unknown condition %q, expected 'temp below' or 'temp above'", tag)
}

// ParseEffect converts a configuration tag to an Effect
func ParseEffect(tag string) (Effect, error) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "enable":
		return EffectEnable, nil
	case "disable":
		return EffectDisable, nil
	}
	return 0, fmt.Errorf("unknown action %q, expected 'enable' or 'disable'", tag)
}

// ConfigError reports a rule that cannot be evaluated. It is fatal.
type ConfigError struct {
	Sensor string
	Index  int
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("sensor %s: action %d: %s", e.Sensor, e.Index, e.Reason)
}
