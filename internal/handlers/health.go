package handlers

import (
	"net/http"
	"time"

	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/httpx"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/repositories"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/services"
)

// HealthHandlers serves /healthz (process liveness) and /readyz (order store and dispatch readiness).
type HealthHandlers struct {
	system services.SystemService
	build  services.BuildInfo
	clock  func() time.Time
}

type HealthOption func(*HealthHandlers)

// WithHealthSystemService wires the readiness report. Without it /readyz answers like /healthz.
func WithHealthSystemService(svc services.SystemService) HealthOption {
	return func(h *HealthHandlers) { h.system = svc }
}

func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) { h.build = info }
}

func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

type buildPayload struct {
	Version     string `json:"version,omitempty"`
	CommitSHA   string `json:"commitSha,omitempty"`
	Environment string `json:"environment,omitempty"`
	Uptime      string `json:"uptime,omitempty"`
}

func newBuildPayload(info services.BuildInfo, uptime time.Duration) buildPayload {
	payload := buildPayload{Version: info.Version, CommitSHA: info.CommitSHA, Environment: info.Environment}
	if uptime > 0 {
		payload.Uptime = uptime.Truncate(time.Second).String()
	}
	return payload
}

type healthzResponse struct {
	Status    string       `json:"status"`
	Build     buildPayload `json:"build"`
	Timestamp string       `json:"timestamp"`
}

type checkPayload struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
	CheckedAt string `json:"checkedAt,omitempty"`
}

type readyzResponse struct {
	Status      string                  `json:"status"`
	Build       buildPayload            `json:"build"`
	Components  map[string]string       `json:"components,omitempty"`
	Checks      map[string]checkPayload `json:"checks"`
	Failing     []string                `json:"failing,omitempty"`
	GeneratedAt string                  `json:"generatedAt"`
}

func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	writeJSONResponse(w, http.StatusOK, healthzResponse{
		Status:    repositories.HealthStatusOK,
		Build:     newBuildPayload(h.build, now.Sub(h.build.StartedAt)),
		Timestamp: now.Format(time.RFC3339),
	})
}

// Readyz answers 503 when a required dependency fails. Degraded reports still answer 200 and list
// the failing optional checks.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		h.Healthz(w, r)
		return
	}

	report, err := h.system.HealthReport(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("health_unavailable", "failed to collect health report", http.StatusServiceUnavailable))
		return
	}

	resp := readyzResponse{
		Status:      report.Status,
		Build:       newBuildPayload(report.Build, report.Uptime),
		Components:  report.Components,
		Checks:      make(map[string]checkPayload, len(report.Checks)),
		Failing:     report.Failing,
		GeneratedAt: report.GeneratedAt.UTC().Format(time.RFC3339),
	}
	for name, check := range report.Checks {
		payload := checkPayload{Status: check.Status, Detail: check.Detail, LatencyMS: check.Latency.Milliseconds()}
		if !check.CheckedAt.IsZero() {
			payload.CheckedAt = check.CheckedAt.UTC().Format(time.RFC3339)
		}
		resp.Checks[name] = payload
	}

	status := http.StatusOK
	if !report.Ready() {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, resp)
}
