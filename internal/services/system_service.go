package services

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/ryu-qqq/setof-commerce-sub006/internal/repositories"
)

// SystemService reports whether this instance can take order traffic.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemHealthReport is the readiness verdict. Status is error when a required dependency failed and
// degraded when only optional ones did; Failing lists the non-ok checks by name.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]repositories.HealthCheck
	Failing     []string
	Components  map[string]string
	GeneratedAt time.Time
	Build       BuildInfo
	Uptime      time.Duration
}

// Ready reports whether the instance should receive traffic.
func (r SystemHealthReport) Ready() bool {
	return r.Status != repositories.HealthStatusError
}

// SystemServiceDeps bundles collaborators required to construct a system service. A failing check
// named in Optional degrades the report instead of failing it. Components describes the wired
// backends and is echoed in every report.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Optional         []string
	Components       map[string]string
	Clock            func() time.Time
	Build            BuildInfo
}

type systemService struct {
	health     repositories.HealthRepository
	optional   map[string]bool
	components map[string]string
	clock      func() time.Time
	build      BuildInfo
}

var _ SystemService = (*systemService)(nil)

func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	svc := &systemService{
		health:     deps.HealthRepository,
		optional:   make(map[string]bool, len(deps.Optional)),
		components: maps.Clone(deps.Components),
		clock:      func() time.Time { return clock().UTC() },
		build:      deps.Build,
	}
	for _, name := range deps.Optional {
		svc.optional[name] = true
	}
	if svc.build.StartedAt.IsZero() {
		svc.build.StartedAt = svc.clock()
	}
	return svc, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	collected, err := s.health.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.clock()
	report := SystemHealthReport{
		Status:      repositories.HealthStatusOK,
		Checks:      collected.Checks,
		Components:  s.components,
		GeneratedAt: collected.GeneratedAt,
		Build:       s.build,
		Uptime:      now.Sub(s.build.StartedAt),
	}
	if report.Checks == nil {
		report.Checks = map[string]repositories.HealthCheck{}
	}
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}

	for _, name := range slices.Sorted(maps.Keys(report.Checks)) {
		if status := report.Checks[name].Status; status == repositories.HealthStatusOK || status == "" {
			continue
		}
		report.Failing = append(report.Failing, name)
		switch {
		case !s.optional[name]:
			report.Status = repositories.HealthStatusError
		case report.Status == repositories.HealthStatusOK:
			report.Status = repositories.HealthStatusDegraded
		}
	}
	return report, nil
}
