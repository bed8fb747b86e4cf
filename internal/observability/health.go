package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// Readiness states reported by /ready.
const (
	StateReady    = "ready"
	StateDegraded = "degraded"
	StateNotReady = "not_ready"
)

const defaultProbeTimeout = 2 * time.Second

// Probe reports whether one dependency is usable.
type Probe func(ctx context.Context) error

// Flag turns an in-process readiness flag into a Probe. A nil flag is never
// ready.
func Flag(ok func() bool, reason string) Probe {
	return func(context.Context) error {
		if ok == nil || !ok() {
			return errors.New(reason)
		}
		return nil
	}
}

type check struct {
	name     string
	probe    Probe
	critical bool
}

// Readiness is the set of dependency probes behind /ready. A failing
// critical probe takes the instance out of rotation; a failing optional one
// only marks it degraded, since requests without attachments or idempotency
// keys still go through.
type Readiness struct {
	timeout time.Duration
	checks  []check
}

// NewReadiness returns an empty probe set. Each probe gets timeout, or 2s
// when timeout is not positive.
func NewReadiness(timeout time.Duration) *Readiness {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &Readiness{timeout: timeout}
}

// Require adds a probe whose failure makes the instance not ready.
func (rd *Readiness) Require(name string, p Probe) *Readiness {
	rd.checks = append(rd.checks, check{name: name, probe: p, critical: true})
	return rd
}

// Prefer adds a probe whose failure only degrades the instance.
func (rd *Readiness) Prefer(name string, p Probe) *Readiness {
	rd.checks = append(rd.checks, check{name: name, probe: p})
	return rd
}

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Status    string `json:"status"`
	Critical  bool   `json:"critical"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// ReadinessReport is the /ready response body.
type ReadinessReport struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// Run executes every probe concurrently and folds the results.
func (rd *Readiness) Run(ctx context.Context) ReadinessReport {
	report := ReadinessReport{Status: StateReady, Checks: make(map[string]CheckResult, len(rd.checks))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range rd.checks {
		g.Go(func() error {
			res := rd.probe(gctx, c)
			mu.Lock()
			report.Checks[c.name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range report.Checks {
		if res.Status == "ok" {
			continue
		}
		if res.Critical {
			report.Status = StateNotReady
			break
		}
		report.Status = StateDegraded
	}
	return report
}

func (rd *Readiness) probe(ctx context.Context, c check) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, rd.timeout)
	defer cancel()

	start := time.Now()
	err := c.probe(ctx)
	res := CheckResult{Status: "ok", Critical: c.critical, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

// HandleReady serves the readiness report: 200 when ready or degraded, 503
// when a critical dependency is down.
func HandleReady(rd *Readiness) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := rd.Run(r.Context())
		status := http.StatusOK
		if report.Status == StateNotReady {
			status = http.StatusServiceUnavailable
		}
		writeHealthJSON(w, status, report)
	}
}

// HandleHealth serves liveness with the build version.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": Version,
			"commit":  Commit,
		})
	}
}

func writeHealthJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
