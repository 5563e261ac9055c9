package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	goa "goa.design/goa/v3/pkg"

	"github.com/loopworks/conductor/internal/errkind"
)

// statusForKind maps spec.md §7's error taxonomy onto HTTP status codes for
// the dashboard-facing surface. Kinds the core never lets escape to an HTTP
// caller (ToolUnknown/PathEscape are resolved inside the agent loop;
// BudgetExceeded/EmbeddingsUnavailable are silent no-ops) still get an entry
// so writeError never falls through to a bare 500 if one ever does leak.
// ToolExecution is also what handlePrompt reports for an invalid or empty
// request body.
var statusForKind = map[errkind.Kind]int{
	errkind.ProviderTransient:     http.StatusBadGateway,
	errkind.ProviderPermanent:     http.StatusBadGateway,
	errkind.ToolUnknown:           http.StatusBadRequest,
	errkind.ToolExecution:         http.StatusUnprocessableEntity,
	errkind.PathEscape:            http.StatusForbidden,
	errkind.DeadlockedPlan:        http.StatusUnprocessableEntity,
	errkind.PlanParseFailure:      http.StatusUnprocessableEntity,
	errkind.ScheduleValidation:    http.StatusBadRequest,
	errkind.BudgetExceeded:        http.StatusTooManyRequests,
	errkind.EmbeddingsUnavailable: http.StatusOK,
	errkind.NotFound:              http.StatusNotFound,
	errkind.Internal:              http.StatusInternalServerError,
}

// writeError renders err as a goa.ServiceError envelope, the same shape
// goa-generated transports use, so the dashboard can share one error
// decoder regardless of which Goa-adjacent service it's talking to.
func writeError(w http.ResponseWriter, err error) {
	kind := errkind.Internal
	if ke, ok := err.(*errkind.Error); ok {
		kind = ke.Kind
	}
	status, ok := statusForKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	se := &goa.ServiceError{
		Name:      string(kind),
		ID:        strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		Message:   err.Error(),
		Temporary: kind.Retryable(),
		Fault:     kind == errkind.Internal,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(se)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
