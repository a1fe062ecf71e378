package httpapi

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/antoniostano/storyweaver/internal/chat"
	"github.com/antoniostano/storyweaver/internal/contextmgr"
	"github.com/antoniostano/storyweaver/internal/policy"
	"github.com/antoniostano/storyweaver/internal/ratelimit"
)

// apiError is the transport view of a pipeline failure.
type apiError struct {
	Status     int
	Code       string
	Message    string
	Retryable  bool
	RetryAfter float64
}

func classifyError(err error) apiError {
	var cooldown *ratelimit.CooldownError
	var gen *chat.GenerationError
	switch {
	case errors.As(err, &cooldown):
		return apiError{
			Status:     http.StatusTooManyRequests,
			Code:       "rate_limited",
			Message:    cooldown.Error(),
			Retryable:  true,
			RetryAfter: cooldown.Wait.Seconds(),
		}
	case errors.Is(err, chat.ErrEmptyPrompt):
		return apiError{Status: http.StatusBadRequest, Code: "invalid_request", Message: err.Error()}
	case errors.Is(err, policy.ErrInvalidSessionID):
		return apiError{Status: http.StatusBadRequest, Code: "invalid_session_id", Message: err.Error()}
	case errors.As(err, &gen):
		return apiError{Status: http.StatusBadGateway, Code: "generation_failed", Message: gen.Error(), Retryable: true}
	case errors.Is(err, contextmgr.ErrRegenerateFailed):
		return apiError{Status: http.StatusBadGateway, Code: "summary_failed", Message: err.Error(), Retryable: true}
	default:
		return apiError{Status: http.StatusInternalServerError, Code: "internal_error", Message: "internal error"}
	}
}

func (s *Server) respondPipelineError(w http.ResponseWriter, op string, err error) {
	e := classifyError(err)
	if e.Status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", "status", e.Status, "err", err)
	}
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(e.RetryAfter))))
	}
	respondError(w, e.Status, e.Code, e.Message)
}
