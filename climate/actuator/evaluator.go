package actuator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/climate/gpio"
	"github.com/mjasion/balena-home/pkg/telemetry"
)

// Action is one triggered rule and what happened when its pin was driven
type Action struct {
	Index int
	Pin   int
	Level gpio.Level
	Err   error
}

// Outcome summarizes one evaluation
type Outcome struct {
	Actions []Action
	Failed  int
}

// Evaluator applies threshold rules to readings and drives GPIO pins
type Evaluator struct {
	pins   gpio.Driver
	logger *zap.Logger

	triggered metric.Int64Counter
	failures  metric.Int64Counter
}

// NewEvaluator creates a new Evaluator driving pins
func NewEvaluator(pins gpio.Driver, logger *zap.Logger) *Evaluator {
	meter := otel.Meter("climate/actuator")
	triggered, _ := meter.Int64Counter("climate.actuator.rules_triggered",
		metric.WithDescription("Rules whose condition matched a reading"))
	failures, _ := meter.Int64Counter("climate.actuator.pin_failures",
		metric.WithDescription("GPIO writes that failed"))

	return &Evaluator{
		pins:      pins,
		logger:    logger,
		triggered: triggered,
		failures:  failures,
	}
}

// Evaluate runs rules in order against value (degrees Fahrenheit).
// Every matching rule fires, so when several target the same pin the last
// one wins. A failed pin write is logged and the remaining rules still run.
// A rule with an unknown condition or effect yields a *ConfigError before any
// pin is driven.
func (e *Evaluator) Evaluate(ctx context.Context, sensor string, value float64, rules []Rule) (Outcome, error) {
	for i, r := range rules {
		if r.Condition != ConditionBelow && r.Condition != ConditionAbove {
			return Outcome{}, &ConfigError{Sensor: sensor, Index: i, Reason: "unknown condition " + r.Condition.String()}
		}
		if r.Effect != EffectEnable && r.Effect != EffectDisable {
			return Outcome{}, &ConfigError{Sensor: sensor, Index: i, Reason: "unknown effect " + r.Effect.String()}
		}
	}

	var out Outcome
	for i, r := range rules {
		if !r.Matches(value) {
			continue
		}

		level := gpio.Low
		if r.Effect == EffectEnable {
			level = gpio.High
		}
		attrs := metric.WithAttributes(attribute.String("sensor_name", sensor))
		e.triggered.Add(ctx, 1, attrs)

		err := e.pins.Set(ctx, r.Pin, level)
		out.Actions = append(out.Actions, Action{Index: i, Pin: r.Pin, Level: level, Err: err})
		if err != nil {
			out.Failed++
			e.failures.Add(ctx, 1, attrs)
			telemetry.ErrorWithTrace(ctx, e.logger, "failed to drive gpio pin",
				zap.String("sensor_name", sensor),
				zap.Int("pin", r.Pin),
				zap.Stringer("level", level),
				zap.Error(err),
			)
			continue
		}

		telemetry.InfoWithTrace(ctx, e.logger, "action triggered",
			zap.String("sensor_name", sensor),
			zap.Float64("value", value),
			zap.Stringer("condition", r.Condition),
			zap.Float64("threshold", r.Threshold),
			zap.Int("pin", r.Pin),
			zap.Stringer("level", level),
		)
	}

	return out, nil
}
