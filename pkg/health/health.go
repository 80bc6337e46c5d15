// Package health serves liveness and readiness probes for the discount worker.
//
// Every probe runs in its own goroutine. A probe flips to failing after
// FailureThreshold consecutive errors and back after SuccessThreshold
// consecutive successes.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
	"go.uber.org/zap"
)

// CheckFunc returns nil while the dependency is usable.
type CheckFunc func(ctx context.Context) error

// Kind selects the endpoint a probe contributes to.
type Kind int

const (
	Liveness Kind = iota
	Readiness
)

// Probe describes a registered check.
type Probe struct {
	Name             string
	Kind             Kind
	Timeout          time.Duration
	Check            CheckFunc
	FailureThreshold int
	SuccessThreshold int
}

type probeState struct {
	Probe

	passing atomic.Bool
	lastErr atomic.Pointer[error]

	// Owned by the probe goroutine.
	fails  int
	passes int
}

func (p *probeState) failure() string {
	if p.passing.Load() {
		return ""
	}
	if ptr := p.lastErr.Load(); ptr != nil && *ptr != nil {
		return (*ptr).Error()
	}
	return "check is unhealthy"
}

// tick runs the check once. It reports whether the probe changed state.
func (p *probeState) tick(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	err := p.Check(ctx)
	p.lastErr.Store(&err)

	was := p.passing.Load()
	if err != nil {
		p.passes = 0
		p.fails++
		if p.fails >= p.FailureThreshold {
			p.passing.Store(false)
		}
	} else {
		p.fails = 0
		p.passes++
		if p.passes >= p.SuccessThreshold {
			p.passing.Store(true)
		}
	}
	return was != p.passing.Load()
}

// Health tracks probes and the manual readiness gate.
type Health struct {
	lg    *zap.Logger
	ready atomic.Bool

	mu     sync.RWMutex
	probes []*probeState
	cancel context.CancelFunc
}

// New creates Health in the not-ready state.
func New(lg *zap.Logger) *Health {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Health{lg: lg}
}

// Add registers p. Zero thresholds default to 3 failures and 1 success.
// Probes start out passing.
func (h *Health) Add(p Probe) {
	if p.FailureThreshold < 1 {
		p.FailureThreshold = 3
	}
	if p.SuccessThreshold < 1 {
		p.SuccessThreshold = 1
	}
	if p.Timeout <= 0 {
		p.Timeout = time.Second
	}
	s := &probeState{Probe: p}
	s.passing.Store(true)

	h.mu.Lock()
	h.probes = append(h.probes, s)
	h.mu.Unlock()
}

// AddLivenessCheck registers a liveness probe with default thresholds.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, check CheckFunc) {
	h.Add(Probe{Name: name, Kind: Liveness, Timeout: timeout, Check: check})
}

// AddReadinessCheck registers a readiness probe with default thresholds.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, check CheckFunc) {
	h.Add(Probe{Name: name, Kind: Readiness, Timeout: timeout, Check: check})
}

// Start runs every registered probe each interval until Stop or ctx is done.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	probes := append([]*probeState(nil), h.probes...)
	h.mu.Unlock()

	for _, p := range probes {
		go h.loop(ctx, p, interval)
	}
}

func (h *Health) loop(ctx context.Context, p *probeState, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if p.tick(ctx) {
			if f := p.failure(); f != "" {
				h.lg.Warn("Probe failing", zap.String("probe", p.Name), zap.String("error", f))
			} else {
				h.lg.Info("Probe recovered", zap.String("probe", p.Name))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop cancels the probe goroutines. Safe to call more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady opens or closes the readiness gate.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the gate is open and every readiness probe passes.
func (h *Health) IsReady() bool {
	return h.ready.Load() && len(h.failures(Readiness)) == 0
}

func (h *Health) failures(kind Kind) map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]string)
	for _, p := range h.probes {
		if p.Kind != kind {
			continue
		}
		if f := p.failure(); f != "" {
			out[p.Name] = f
		}
	}
	return out
}

// LiveEndpoint serves /livez.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, h.failures(Liveness))
}

// ReadyEndpoint serves /readyz.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failures := h.failures(Readiness)
	if !h.ready.Load() {
		failures["_readiness"] = "service is not ready"
	}
	writeStatus(w, failures)
}

// Handler routes /livez and /readyz.
func (h *Health) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", h.LiveEndpoint)
	mux.HandleFunc("/readyz", h.ReadyEndpoint)
	return mux
}

// writeStatus writes {"status":"ok"} or {"status":"unhealthy","checks":{...}}.
func writeStatus(w http.ResponseWriter, failures map[string]string) {
	names := make([]string, 0, len(failures))
	for name := range failures {
		names = append(names, name)
	}
	sort.Strings(names)

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		if len(names) == 0 {
			e.Field("status", func(e *jx.Encoder) { e.Str("ok") })
			return
		}
		e.Field("status", func(e *jx.Encoder) { e.Str("unhealthy") })
		e.Field("checks", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				for _, name := range names {
					e.Field(name, func(e *jx.Encoder) { e.Str(failures[name]) })
				}
			})
		})
	})

	w.Header().Set("Content-Type", "application/json")
	if len(names) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_, _ = w.Write(e.Bytes())
}
