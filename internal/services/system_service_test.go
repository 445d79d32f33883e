package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/edu-center/api/internal/domain"
)

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
}

func (s *stubHealthRepository) Collect(context.Context) (domain.SystemHealthReport, error) {
	return s.report, s.err
}

func checks(statuses map[string]string) map[string]domain.SystemHealthCheck {
	out := make(map[string]domain.SystemHealthCheck, len(statuses))
	for name, status := range statuses {
		out[name] = domain.SystemHealthCheck{Status: status}
	}
	return out
}

func TestSystemServiceStampsBuildInfo(t *testing.T) {
	started := time.Date(2026, time.September, 1, 6, 0, 0, 0, time.UTC)
	now := started.Add(90 * time.Minute)
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: &stubHealthRepository{report: domain.SystemHealthReport{Checks: checks(map[string]string{"firestore": domain.HealthStatusOK})}},
		Clock:            func() time.Time { return now },
		Build:            BuildInfo{Version: "2.4.0", CommitSHA: "f00dbab", Environment: "stg", StartedAt: started},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	want := domain.SystemHealthReport{
		Status:      domain.HealthStatusOK,
		Version:     "2.4.0",
		CommitSHA:   "f00dbab",
		Environment: "stg",
		Uptime:      90 * time.Minute,
		GeneratedAt: now,
	}
	if report.Status != want.Status || report.Version != want.Version || report.CommitSHA != want.CommitSHA ||
		report.Environment != want.Environment || report.Uptime != want.Uptime || !report.GeneratedAt.Equal(want.GeneratedAt) {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestSystemServiceStatus(t *testing.T) {
	cases := []struct {
		name   string
		report domain.SystemHealthReport
		want   string
	}{
		{
			name:   "keeps collected status",
			report: domain.SystemHealthReport{Status: domain.HealthStatusDegraded, Checks: checks(map[string]string{"redis": domain.HealthStatusError})},
			want:   domain.HealthStatusDegraded,
		},
		{
			name:   "worst check when unset",
			report: domain.SystemHealthReport{Checks: checks(map[string]string{"pubsub": domain.HealthStatusDegraded, "firestore": domain.HealthStatusOK})},
			want:   domain.HealthStatusDegraded,
		},
		{
			name:   "error wins",
			report: domain.SystemHealthReport{Checks: checks(map[string]string{"pubsub": domain.HealthStatusDegraded, "firestore": domain.HealthStatusError})},
			want:   domain.HealthStatusError,
		},
		{
			name: "no checks",
			want: domain.HealthStatusOK,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, err := NewSystemService(SystemServiceDeps{HealthRepository: &stubHealthRepository{report: tc.report}})
			if err != nil {
				t.Fatalf("NewSystemService: %v", err)
			}
			report, err := svc.HealthReport(context.Background())
			if err != nil {
				t.Fatalf("HealthReport: %v", err)
			}
			if report.Status != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, report.Status)
			}
		})
	}
}

func TestSystemServicePropagatesCollectError(t *testing.T) {
	boom := errors.New("collect failed")
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: &stubHealthRepository{err: boom}})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	if _, err := svc.HealthReport(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatal("expected error without a health repository")
	}
}

func TestSystemServiceOutboxBacklogDegrades(t *testing.T) {
	repo := &stubHealthRepository{report: domain.SystemHealthReport{
		Status: domain.HealthStatusOK,
		Checks: checks(map[string]string{"firestore": domain.HealthStatusOK}),
	}}
	outbox := &memoryOutbox{}
	_ = outbox.Enqueue(context.Background(), pendingEvent("evt_1", domain.OrderEventPaid))

	for _, tc := range []struct {
		threshold int
		want      string
	}{
		{threshold: 2, want: domain.HealthStatusOK},
		{threshold: 1, want: domain.HealthStatusDegraded},
	} {
		svc, err := NewSystemService(SystemServiceDeps{HealthRepository: repo, Outbox: outbox, BacklogThreshold: tc.threshold})
		if err != nil {
			t.Fatalf("NewSystemService: %v", err)
		}
		report, err := svc.HealthReport(context.Background())
		if err != nil {
			t.Fatalf("HealthReport: %v", err)
		}
		if report.Checks["outbox"].Status != tc.want || report.Status != tc.want {
			t.Fatalf("threshold %d: expected %s, got check %+v report %s", tc.threshold, tc.want, report.Checks["outbox"], report.Status)
		}
	}
	if _, ok := repo.report.Checks["outbox"]; ok {
		t.Fatal("collected checks must not be mutated")
	}
}
