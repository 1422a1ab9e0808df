package handler

import (
	"net/http"

	"github.com/go-join-verify/internal/application/verification"
	"github.com/go-join-verify/internal/transport/http/middleware"
)

// PendingLister lists pending verifications.
type PendingLister interface {
	Pending() []verification.Summary
}

// VerificationHandler exposes the pending verification listing to
// authenticated operators. Codes are never included.
type VerificationHandler struct {
	svc PendingLister
}

func NewVerificationHandler(svc PendingLister) *VerificationHandler {
	return &VerificationHandler{svc: svc}
}

func (h *VerificationHandler) List(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.ClaimsFromContext(r.Context()); !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	pending := h.svc.Pending()
	items := make([]PendingItem, 0, len(pending))
	for _, p := range pending {
		items = append(items, PendingItem{
			UserID:           p.UserID,
			GroupID:          p.GroupID,
			CodeCount:        p.CodeCount,
			JoinedAt:         p.JoinedAt.Unix(),
			RemainingSeconds: int64(p.Remaining.Seconds()),
		})
	}
	writeJSON(w, http.StatusOK, PendingEnvelope{Total: len(items), Data: items})
}
