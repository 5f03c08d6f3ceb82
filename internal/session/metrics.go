package session

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	apperrors "github.com/router-for-me/copilotctl/internal/errors"
)

// FlowOutcomes counts finished device flows by outcome. It is registered by the API
// metrics middleware.
var FlowOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "copilotctl_device_flow_outcomes_total",
		Help: "Total number of finished Copilot device flows by outcome",
	},
	[]string{"outcome"},
)

// Flow outcome labels.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeExpired   = "expired"
	OutcomeDenied    = "denied"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSucceeded
	case errors.Is(err, apperrors.ErrFlowExpired):
		return OutcomeExpired
	case errors.Is(err, apperrors.ErrUserDenied):
		return OutcomeDenied
	case errors.Is(err, apperrors.ErrFlowCancelled):
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}

func recordFlowOutcome(err error) {
	FlowOutcomes.WithLabelValues(outcomeOf(err)).Inc()
}
