package gpio

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Level is the output level of a digital pin
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "high"
	}
	return "low"
}

// Driver sets digital output pins
type Driver interface {
	Set(ctx context.Context, pin int, level Level) error
}

// DigitalWriter is implemented by board adaptors such as gobot's raspi.Adaptor
type DigitalWriter interface {
	DigitalWrite(pin string, val byte) error
}

// LogDriver records pin levels in memory and logs every change.
// It is the default when no board is attached.
type LogDriver struct {
	mu     sync.Mutex
	levels map[int]Level
	logger *zap.Logger
}

// NewLogDriver creates a new LogDriver
func NewLogDriver(logger *zap.Logger) *LogDriver {
	return &LogDriver{levels: make(map[int]Level), logger: logger}
}

// Set records the level for pin
func (d *LogDriver) Set(_ context.Context, pin int, level Level) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev, known := d.levels[pin]
	d.levels[pin] = level
	if !known || prev != level {
		d.logger.Info("gpio pin set", zap.Int("pin", pin), zap.Stringer("level", level))
	}
	return nil
}

// Levels returns a snapshot of the last level written to each pin
func (d *LogDriver) Levels() map[int]Level {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[int]Level, len(d.levels))
	for pin, level := range d.levels {
		out[pin] = level
	}
	return out
}

// BoardDriver drives header pins through a board adaptor
type BoardDriver struct {
	board  DigitalWriter
	logger *zap.Logger
}

// NewBoardDriver creates a driver writing through board
func NewBoardDriver(board DigitalWriter, logger *zap.Logger) *BoardDriver {
	return &BoardDriver{board: board, logger: logger}
}

// Set writes level to the header pin
func (d *BoardDriver) Set(ctx context.Context, pin int, level Level) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var val byte
	if level == High {
		val = 1
	}
	if err := d.board.DigitalWrite(strconv.Itoa(pin), val); err != nil {
		return fmt.Errorf("failed to write pin %d: %w", pin, err)
	}

	d.logger.Debug("gpio pin written", zap.Int("pin", pin), zap.Stringer("level", level))
	return nil
}
