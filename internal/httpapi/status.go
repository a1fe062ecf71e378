package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type statusCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type statusResponse struct {
	GenerationMode string        `json:"generation_mode"`
	StorageBackend string        `json:"storage_backend"`
	TokenEstimator string        `json:"token_estimator"`
	Checks         []statusCheck `json:"checks"`
}

// handleStatus reports how the service is wired and what an operator could
// change, in the same shape as a setup checklist.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	checks := make([]statusCheck, 0, 6)
	checks = append(checks, s.storageChecks(r.Context())...)
	checks = append(checks, s.generationChecks()...)

	if interval := s.cfg.MinRequestInterval; interval > 0 {
		checks = append(checks, statusCheck{
			ID:     "cooldown",
			Status: "ok",
			Label:  "Generation cooldown",
			Detail: interval.String(),
		})
	} else {
		checks = append(checks, statusCheck{
			ID:     "cooldown",
			Status: "warn",
			Label:  "Generation cooldown",
			Detail: "disabled",
			Fix:    "Set MIN_REQUEST_INTERVAL to pace calls to the generation service.",
		})
	}
	if strings.TrimSpace(s.cfg.RetentionSchedule) == "" {
		checks = append(checks, statusCheck{
			ID:     "retention",
			Status: "warn",
			Label:  "Retention cleanup",
			Detail: "not scheduled",
			Fix:    "Set RETENTION_SCHEDULE or run `storyweaver prune` periodically.",
		})
	} else {
		checks = append(checks, statusCheck{
			ID:     "retention",
			Status: "ok",
			Label:  "Retention cleanup",
			Detail: fmt.Sprintf("%s, idle > %s", s.cfg.RetentionSchedule, s.cfg.RetentionPeriod),
		})
	}

	respondJSON(w, http.StatusOK, statusResponse{
		GenerationMode: s.deps.GenerationMode,
		StorageBackend: s.deps.StorageBackend,
		TokenEstimator: s.cfg.TokenEstimator,
		Checks:         checks,
	})
}

func (s *Server) storageChecks(ctx context.Context) []statusCheck {
	backend := s.deps.StorageBackend
	var checks []statusCheck
	if s.store != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.store.Ping(pingCtx); err != nil {
			checks = append(checks, statusCheck{
				ID:     "storage",
				Status: "error",
				Label:  "Story storage",
				Detail: err.Error(),
				Fix:    "Check DATABASE_URL / SQLITE_PATH and that the database is reachable.",
			})
			return checks
		}
	}
	switch {
	case strings.HasPrefix(backend, "memory"):
		checks = append(checks, statusCheck{
			ID:     "storage",
			Status: "warn",
			Label:  "Story storage",
			Detail: "in-memory only",
			Fix:    "Set SQLITE_PATH or DATABASE_URL to keep stories across restarts.",
		})
	default:
		checks = append(checks, statusCheck{
			ID:     "storage",
			Status: "ok",
			Label:  "Story storage",
			Detail: backend,
		})
	}
	if strings.HasSuffix(backend, "+redis") {
		checks = append(checks, statusCheck{
			ID:     "summary_cache",
			Status: "ok",
			Label:  "Summary cache",
			Detail: "redis",
		})
	}
	return checks
}

func (s *Server) generationChecks() []statusCheck {
	mode := s.deps.GenerationMode
	if strings.HasPrefix(mode, "mock") {
		return []statusCheck{{
			ID:     "generation",
			Status: "warn",
			Label:  "Generation service",
			Detail: "mock replies only",
			Fix:    "Set OPENROUTER_API_KEY (or GENERATION_API_KEY) to use a real model.",
		}}
	}
	return []statusCheck{{
		ID:     "generation",
		Status: "ok",
		Label:  "Generation service",
		Detail: fmt.Sprintf("%s via %s", s.cfg.GenerationModel, s.cfg.GenerationBaseURL),
	}}
}
