// Package health reports whether the worker's backing services are
// reachable. Each service is registered as a named Check; the Checker runs
// them in parallel under a shared deadline and the worst result decides the
// overall status served on /health/ready.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is the state of one dependency or of the worker as a whole.
type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

func (s Status) rank() int {
	switch s {
	case StatusUp:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Check inspects one dependency.
type Check func(ctx context.Context) Component

// Component is the outcome of one Check.
type Component struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Report lists components in registration order.
type Report struct {
	Status     Status      `json:"status"`
	Components []Component `json:"components"`
	CheckedAt  time.Time   `json:"checked_at"`
}

// Component returns the named entry, or false when nothing by that name ran.
func (r Report) Component(name string) (Component, bool) {
	for _, c := range r.Components {
		if c.Name == name {
			return c, true
		}
	}
	return Component{}, false
}

type namedCheck struct {
	name  string
	check Check
}

// Checker holds the registered checks.
type Checker struct {
	mu      sync.RWMutex
	checks  []namedCheck
	timeout time.Duration
	logger  *slog.Logger
}

// NewChecker creates a Checker whose runs give up after timeout.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		timeout: timeout,
		logger:  slog.Default().With("component", "health"),
	}
}

// Register adds a check, replacing any earlier one with the same name.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.checks {
		if c.checks[i].name == name {
			c.checks[i].check = check
			return
		}
	}
	c.checks = append(c.checks, namedCheck{name: name, check: check})
}

// Run executes every check concurrently.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := append([]namedCheck(nil), c.checks...)
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	results := make([]Component, len(checks))
	var g errgroup.Group
	for i, nc := range checks {
		g.Go(func() error {
			start := time.Now()
			res := nc.check(ctx)
			res.Name = nc.name
			res.Latency = time.Since(start).Round(time.Millisecond).String()
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Status: StatusUp, Components: results, CheckedAt: time.Now().UTC()}
	for _, res := range results {
		if res.Status.rank() > report.Status.rank() {
			report.Status = res.Status
		}
		if res.Status != StatusUp {
			c.logger.Warn("dependency unhealthy", "name", res.Name, "status", res.Status, "message", res.Message)
		}
	}
	return report
}

// Ping marks a dependency down whenever ping fails.
func Ping(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) Component {
		if err := ping(ctx); err != nil {
			return Component{Status: StatusDown, Message: err.Error()}
		}
		return Component{Status: StatusUp}
	}
}

// Quorum checks a replicated dependency such as a Kafka cluster. It is up
// when every member answers, degraded while at least need of them do, and
// down below that.
func Quorum(need int, members map[string]func(ctx context.Context) error) Check {
	return func(ctx context.Context) Component {
		var (
			mu     sync.Mutex
			failed []string
		)
		var g errgroup.Group
		for addr, ping := range members {
			g.Go(func() error {
				if err := ping(ctx); err != nil {
					mu.Lock()
					failed = append(failed, fmt.Sprintf("%s: %v", addr, err))
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()

		reachable := len(members) - len(failed)
		switch {
		case len(failed) == 0:
			return Component{Status: StatusUp}
		case reachable >= need:
			return Component{Status: StatusDegraded, Message: fmt.Sprintf("%d of %d reachable: %v", reachable, len(members), failed)}
		default:
			return Component{Status: StatusDown, Message: fmt.Sprintf("%d of %d reachable, need %d: %v", reachable, len(members), need, failed)}
		}
	}
}

// LiveHandler answers liveness checks; the process serving it is alive.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadyHandler answers 503 only when a dependency is down. A degraded
// worker keeps consuming.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Run(r.Context())
		code := http.StatusOK
		if report.Status == StatusDown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
