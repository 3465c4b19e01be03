package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// Level is a memory pressure classification.
type Level string

const (
	PressureUnknown  Level = "unknown"
	PressureNormal   Level = "normal"
	PressureWarning  Level = "warning"
	PressureCritical Level = "critical"
)

const (
	criticalMiB = 512
	criticalPct = 8.0
	warningMiB  = 1024
	warningPct  = 15.0
)

// Sample is one reading of available memory.
type Sample struct {
	Level        Level
	AvailableMiB uint64
	AvailablePct float64
}

// Classify maps available memory to a level.
func Classify(availMiB uint64, availPct float64) Level {
	switch {
	case availMiB <= criticalMiB || availPct <= criticalPct:
		return PressureCritical
	case availMiB <= warningMiB || availPct <= warningPct:
		return PressureWarning
	}
	return PressureNormal
}

// EffectiveLimit clamps the configured active limit under pressure. Unknown
// behaves as Normal.
func EffectiveLimit(base int, l Level) int {
	base = max(base, 1)
	switch l {
	case PressureCritical:
		return 1
	case PressureWarning:
		return max(base-1, 1)
	}
	return base
}

// Sampler reads memory pressure once per frame.
type Sampler interface {
	Sample(ctx context.Context) Sample
}

// SystemPressure samples the OS through gopsutil. Readings are reused for
// minInterval so per-frame sampling stays cheap.
type SystemPressure struct {
	logger      *zap.Logger
	minInterval time.Duration

	mu   sync.Mutex
	last Sample
	at   time.Time
}

func NewSystemPressure(logger *zap.Logger, minInterval time.Duration) *SystemPressure {
	return &SystemPressure{logger: logger, minInterval: minInterval}
}

func (s *SystemPressure) Sample(ctx context.Context) Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.at.IsZero() && time.Since(s.at) < s.minInterval {
		return s.last
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil || vm.Total == 0 {
		s.logger.Debug("memory sample failed", zap.Error(err))
		s.last = Sample{Level: PressureUnknown}
		s.at = time.Now()
		return s.last
	}
	pct := float64(vm.Available) / float64(vm.Total) * 100
	next := Sample{
		Level:        Classify(vm.Available>>20, pct),
		AvailableMiB: vm.Available >> 20,
		AvailablePct: pct,
	}
	if next.Level != s.last.Level {
		s.logger.Info("memory pressure changed",
			zap.String("level", string(next.Level)),
			zap.String("available", humanize.IBytes(vm.Available)),
			zap.Float64("available_pct", pct))
	}
	s.last, s.at = next, time.Now()
	return next
}

// StaticPressure reports a fixed level, settable at runtime.
type StaticPressure struct {
	mu sync.Mutex
	s  Sample
}

func NewStaticPressure(l Level) *StaticPressure {
	return &StaticPressure{s: Sample{Level: l}}
}

func (p *StaticPressure) Set(l Level) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.s = Sample{Level: l}
}

func (p *StaticPressure) Sample(context.Context) Sample {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.s
}
