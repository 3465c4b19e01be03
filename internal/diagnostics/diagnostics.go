package diagnostics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Channel names an observability event stream.
type Channel string

const (
	ConflictDetected   Channel = "sync.conflict_detected"
	ConflictResolved   Channel = "sync.conflict_resolved"
	AccessDenied       Channel = "sync.access_denied"
	BackpressureDrop   Channel = "channel.backpressure_drop"
	InvariantViolation Channel = "binder.invariant_violation"
	ResourceExhausted  Channel = "lifecycle.resource_exhausted"
	EngineFailure      Channel = "engine.failure"
	InvalidArgument    Channel = "intent.invalid_argument"
	PersistenceFailure Channel = "persistence.failure"
)

// Event is one observability record.
type Event struct {
	Channel Channel
	Message string
	Fields  map[string]string
	At      time.Time
}

// Sink receives diagnostic events. Implementations must be safe for use from
// transport and engine goroutines.
type Sink interface {
	Emit(Event)
}

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphshell_diagnostic_events_total",
		Help: "Diagnostic events emitted, by channel",
	}, []string{"channel"})

	ActiveNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "graphshell_active_nodes",
		Help: "Nodes holding a live webview at the end of the last frame",
	})

	FrameDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "graphshell_frame_duration_seconds",
		Help:    "Wall time of one frame pipeline pass",
		Buckets: []float64{.0005, .001, .002, .004, .008, .016, .033, .066},
	})
)

// Handler exposes the process metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Recorder keeps the most recent events in memory, counts them in
// prometheus and mirrors them to the logger.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	counts map[Channel]int
	limit  int
	logger *zap.Logger
}

// NewRecorder creates a recorder retaining up to limit events.
func NewRecorder(logger *zap.Logger, limit int) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limit <= 0 {
		limit = 512
	}
	return &Recorder{
		counts: make(map[Channel]int),
		limit:  limit,
		logger: logger,
	}
}

// Emit records e.
func (r *Recorder) Emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	eventsTotal.WithLabelValues(string(e.Channel)).Inc()

	fields := make([]zap.Field, 0, len(e.Fields)+1)
	fields = append(fields, zap.String("channel", string(e.Channel)))
	for k, v := range e.Fields {
		fields = append(fields, zap.String(k, v))
	}
	r.logger.Debug(e.Message, fields...)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[e.Channel]++
	r.events = append(r.events, e)
	if over := len(r.events) - r.limit; over > 0 {
		r.events = append(r.events[:0], r.events[over:]...)
	}
}

// Count returns how many events were ever emitted on ch.
func (r *Recorder) Count(ch Channel) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[ch]
}

// Events returns a copy of the retained events, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Reset forgets all retained events and counts.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.counts = make(map[Channel]int)
}

// Emit is a convenience for sinks that may be nil.
func Emit(s Sink, ch Channel, msg string, kv ...string) {
	if s == nil {
		return
	}
	var fields map[string]string
	if len(kv) > 0 {
		fields = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			fields[kv[i]] = kv[i+1]
		}
	}
	s.Emit(Event{Channel: ch, Message: msg, Fields: fields})
}
