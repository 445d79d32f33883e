package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	domain "github.com/edu-center/api/internal/domain"
	"github.com/edu-center/api/internal/repositories"
)

// BuildInfo is the release metadata shown on /healthz and /readyz.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	// Outbox, when set, adds an "outbox" check that degrades once BacklogThreshold events
	// (default 100) are waiting.
	Outbox           repositories.OutboxRepository
	BacklogThreshold int
	Clock            func() time.Time
	Build            BuildInfo
}

type systemService struct {
	health  repositories.HealthRepository
	outbox  repositories.OutboxRepository
	backlog int
	now     func() time.Time
	build   BuildInfo
}

func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	s := &systemService{
		health:  deps.HealthRepository,
		outbox:  deps.Outbox,
		backlog: deps.BacklogThreshold,
		now:     func() time.Time { return clock().UTC() },
		build:   deps.Build,
	}
	if s.backlog <= 0 {
		s.backlog = 100
	}
	if s.build.StartedAt.IsZero() {
		s.build.StartedAt = s.now()
	}
	return s, nil
}

// HealthReport collects dependency checks and stamps build metadata on them. A report without a
// status takes the worst check status.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	report, err := s.health.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}
	now := s.now()

	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	report.GeneratedAt = report.GeneratedAt.UTC()
	if report.Version == "" {
		report.Version = s.build.Version
	}
	if report.CommitSHA == "" {
		report.CommitSHA = s.build.CommitSHA
	}
	if report.Environment == "" {
		report.Environment = s.build.Environment
	}
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if report.Status == "" {
		report.Status = worstStatus(report.Checks)
	}

	report.Checks = maps.Clone(report.Checks)
	if s.outbox != nil {
		if report.Checks == nil {
			report.Checks = map[string]domain.SystemHealthCheck{}
		}
		outbox := s.checkOutbox(ctx)
		report.Checks["outbox"] = outbox
		if outbox.Status != domain.HealthStatusOK && report.Status == domain.HealthStatusOK {
			report.Status = domain.HealthStatusDegraded
		}
	}
	return report, nil
}

// checkOutbox only ever degrades; a stuck publisher does not take the API out of rotation.
func (s *systemService) checkOutbox(ctx context.Context) domain.SystemHealthCheck {
	started := s.now()
	pending, err := s.outbox.ListPending(ctx, time.Time{}, s.backlog)
	check := domain.SystemHealthCheck{Status: domain.HealthStatusOK, CheckedAt: s.now()}
	check.Latency = check.CheckedAt.Sub(started)
	switch {
	case err != nil:
		check.Status, check.Error = domain.HealthStatusDegraded, err.Error()
	case len(pending) >= s.backlog:
		check.Status = domain.HealthStatusDegraded
		check.Detail = fmt.Sprintf("at least %d order events awaiting dispatch", len(pending))
	default:
		check.Detail = fmt.Sprintf("%d order events awaiting dispatch", len(pending))
	}
	return check
}

func worstStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, c := range checks {
		switch c.Status {
		case domain.HealthStatusError:
			return domain.HealthStatusError
		case domain.HealthStatusDegraded:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
