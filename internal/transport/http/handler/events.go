package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/go-join-verify/internal/application/verification"
	"github.com/go-join-verify/internal/domain"
	"github.com/go-join-verify/internal/infrastructure/onebot"
	"github.com/go-join-verify/internal/pkg/logger"
)

const maxReportBytes = 1 << 20

// EventService is what the webhook needs from the verification service.
type EventService interface {
	HandleJoin(ctx context.Context, ev domain.JoinEvent)
	HandleLeave(ctx context.Context, ev domain.LeaveEvent)
	HandleMessage(ctx context.Context, ev domain.MessageEvent) verification.Disposition
}

// EventHandler receives OneBot event reports.
type EventHandler struct {
	svc EventService
	log logger.Logger
}

func NewEventHandler(svc EventService, log logger.Logger) *EventHandler {
	return &EventHandler{svc: svc, log: log}
}

// Report dispatches one report. A suppressed group message is answered with
// a quick operation; everything else gets 204.
func (h *EventHandler) Report(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxReportBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	rep, err := onebot.DecodeReport(body)
	if err != nil {
		writeError(w, statusFor(err), "invalid report")
		return
	}

	// Platform calls made while handling must not die with the connector's request.
	ctx := context.WithoutCancel(r.Context())
	switch rep.Kind() {
	case onebot.KindJoin:
		h.svc.HandleJoin(ctx, rep.Join())
	case onebot.KindLeave:
		h.svc.HandleLeave(ctx, rep.Leave())
	case onebot.KindGroupMessage:
		if h.svc.HandleMessage(ctx, rep.Message()) == verification.Block {
			writeJSON(w, http.StatusOK, QuickOperation{Block: true})
			return
		}
	default:
		h.log.Debug().Str("post_type", rep.PostType).Msg("report ignored")
	}
	w.WriteHeader(http.StatusNoContent)
}
