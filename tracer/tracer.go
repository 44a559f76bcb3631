package tracer

import (
	"fmt"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// RingCapacity bounds the completed-span ring.
const RingCapacity = 10000

// Config controls sampling behavior.
type Config struct {
	// SampleRate is the probability (0..1) that a span not matched by
	// AlwaysTrace is sampled.
	SampleRate float64
	// AlwaysTrace is a set of path patterns (regular expressions) that
	// are always sampled regardless of SampleRate.
	AlwaysTrace []string
}

// DefaultConfig samples every span.
func DefaultConfig() Config {
	return Config{SampleRate: 1.0}
}

// Tracer tracks in-flight spans and retains a bounded FIFO history of
// completed ones.
type Tracer struct {
	cfg     Config
	always  []*regexp.Regexp
	rand    *rand.Rand
	randMu  sync.Mutex

	mu     sync.Mutex
	active map[string]*Span

	ringMu sync.Mutex
	ring   []*Span
	head   int
	size   int
}

// New creates a Tracer with the given sampling configuration.
func New(cfg Config) (*Tracer, error) {
	always := make([]*regexp.Regexp, 0, len(cfg.AlwaysTrace))
	for _, p := range cfg.AlwaysTrace {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("tracer: invalid alwaysTrace pattern %q: %w", p, err)
		}
		always = append(always, re)
	}
	return &Tracer{
		cfg:    cfg,
		always: always,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
		active: make(map[string]*Span),
		ring:   make([]*Span, RingCapacity),
	}, nil
}

// ShouldSample decides whether a request on path should be traced.
func (t *Tracer) ShouldSample(path string) bool {
	for _, re := range t.always {
		if re.MatchString(path) {
			return true
		}
	}
	t.randMu.Lock()
	r := t.rand.Float64()
	t.randMu.Unlock()
	return r < t.cfg.SampleRate
}

func randomTraceID() string {
	var tid trace.TraceID
	_, _ = rand.Read(tid[:])
	return tid.String()
}

func randomSpanID() string {
	var sid trace.SpanID
	_, _ = rand.Read(sid[:])
	return sid.String()
}

// StartSpan begins a new span. If traceID is empty a fresh one is
// generated (new trace); otherwise the span joins an existing trace as a
// child of parentSpanID.
func (t *Tracer) StartSpan(name string, parentSpanID, traceID string) *Span {
	if traceID == "" {
		traceID = randomTraceID()
	}
	s := &Span{
		TraceID:      traceID,
		SpanID:       randomSpanID(),
		ParentSpanID: parentSpanID,
		Name:         name,
		StartTime:    time.Now(),
		Status:       StatusUnset,
	}

	t.mu.Lock()
	t.active[s.SpanID] = s
	t.mu.Unlock()

	return s
}

// EndSpan finalizes the span identified by spanID: records its end time
// and duration, copies the error's message (if any) into its
// "error.message" attribute, and moves it from the active table into
// the completed ring. No stack trace is recorded.
func (t *Tracer) EndSpan(spanID string, status Status, err error) error {
	t.mu.Lock()
	s, ok := t.active[spanID]
	if ok {
		delete(t.active, spanID)
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("tracer: unknown span %q", spanID)
	}

	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
	s.Status = status
	s.ended = true
	if err != nil {
		s.SetAttribute("error.message", err.Error())
	}

	t.pushCompleted(s)
	return nil
}

func (t *Tracer) pushCompleted(s *Span) {
	t.ringMu.Lock()
	defer t.ringMu.Unlock()
	t.ring[t.head] = s
	t.head = (t.head + 1) % RingCapacity
	if t.size < RingCapacity {
		t.size++
	}
}

// Completed returns the completed spans currently retained, oldest
// first.
func (t *Tracer) Completed() []*Span {
	t.ringMu.Lock()
	defer t.ringMu.Unlock()

	out := make([]*Span, 0, t.size)
	if t.size < RingCapacity {
		out = append(out, t.ring[:t.size]...)
		return out
	}
	for i := 0; i < RingCapacity; i++ {
		idx := (t.head + i) % RingCapacity
		out = append(out, t.ring[idx])
	}
	return out
}

// ActiveCount returns the number of spans currently open.
func (t *Tracer) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}
