package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	domain "github.com/edu-center/api/internal/domain"
)

// DependencyCheck probes one backend for readiness.
type DependencyCheck struct {
	Name string
	// Timeout defaults to 1.5s.
	Timeout time.Duration
	// Optional checks degrade the report instead of failing it.
	Optional bool
	Check    func(context.Context) error
}

// DependencyHealthOption configures NewDependencyHealthRepository.
type DependencyHealthOption func(*dependencyHealthRepository)

// WithDependencyClock replaces time.Now.
func WithDependencyClock(clock func() time.Time) DependencyHealthOption {
	return func(r *dependencyHealthRepository) {
		if clock != nil {
			r.now = clock
		}
	}
}

type dependencyHealthRepository struct {
	checks []DependencyCheck
	now    func() time.Time
}

// NewDependencyHealthRepository returns a HealthRepository that runs checks concurrently on
// every Collect.
func NewDependencyHealthRepository(checks []DependencyCheck, opts ...DependencyHealthOption) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("health repository: at least one dependency check is required")
	}
	for i, c := range checks {
		if strings.TrimSpace(c.Name) == "" || c.Check == nil {
			return nil, fmt.Errorf("health repository: check %d needs a name and a function", i)
		}
	}
	r := &dependencyHealthRepository{checks: append([]DependencyCheck(nil), checks...), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Collect reports ok when every check passes. A timed out or cancelled required check makes the
// report error; any other failure degrades it.
func (r *dependencyHealthRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	results := make([]domain.SystemHealthCheck, len(r.checks))
	var g errgroup.Group
	for i, c := range r.checks {
		g.Go(func() error {
			results[i] = r.run(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	report := domain.SystemHealthReport{
		Status:      domain.HealthStatusOK,
		Checks:      make(map[string]domain.SystemHealthCheck, len(r.checks)),
		GeneratedAt: r.now(),
	}
	for i, c := range r.checks {
		res := results[i]
		report.Checks[c.Name] = res
		switch {
		case res.Status == domain.HealthStatusOK || report.Status == domain.HealthStatusError:
		case res.Status == domain.HealthStatusError && !c.Optional:
			report.Status = domain.HealthStatusError
		default:
			report.Status = domain.HealthStatusDegraded
		}
	}
	return report, nil
}

func (r *dependencyHealthRepository) run(ctx context.Context, c DependencyCheck) domain.SystemHealthCheck {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := r.now()
	err := c.Check(ctx)
	if err == nil {
		err = ctx.Err()
	}
	finished := r.now()

	res := domain.SystemHealthCheck{Status: domain.HealthStatusOK, Detail: "ok", Latency: finished.Sub(started), CheckedAt: finished}
	if err == nil {
		return res
	}
	res.Error = err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		res.Status, res.Detail = domain.HealthStatusError, "timeout"
	case errors.Is(err, context.Canceled):
		res.Status, res.Detail = domain.HealthStatusError, "cancelled"
	default:
		res.Status, res.Detail = domain.HealthStatusDegraded, err.Error()
	}
	return res
}
