// Package mail runs verification mail sends off the event path. Transport
// failures are logged and reported as false; they are never retried.
package mail

import (
	"context"
	"sync"
	"time"

	"github.com/go-join-verify/internal/infrastructure/smtp"
	"github.com/go-join-verify/internal/pkg/id"
	"github.com/go-join-verify/internal/pkg/logger"
)

// Dispatcher wraps a Mailer with a bool-returning contract and tracks
// background sends so shutdown can drain them.
type Dispatcher struct {
	mailer  smtp.Mailer
	log     logger.Logger
	timeout time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates a Dispatcher. timeout bounds each individual send.
func NewDispatcher(m smtp.Mailer, log logger.Logger, timeout time.Duration) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{mailer: m, log: log, timeout: timeout, ctx: ctx, cancel: cancel}
}

// Send delivers one message and blocks until the transport returns.
func (d *Dispatcher) Send(ctx context.Context, to, subject, htmlBody string) bool {
	mailID := id.New()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	d.log.Info().Str("mail_id", mailID).Str("to", to).Msg("sending verification mail")
	if err := d.mailer.SendEmail(ctx, to, subject, htmlBody); err != nil {
		d.log.Error().Err(err).Str("mail_id", mailID).Str("to", to).Msg("verification mail failed")
		return false
	}
	d.log.Info().Str("mail_id", mailID).Str("to", to).Msg("verification mail sent")
	return true
}

// Go launches Send as detached background work. done, when non-nil, is
// called with the outcome.
func (d *Dispatcher) Go(to, subject, htmlBody string, done func(ok bool)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ok := d.Send(d.ctx, to, subject, htmlBody)
		if done != nil {
			done(ok)
		}
	}()
}

// Close waits for in-flight sends until ctx is done, then cancels the rest.
func (d *Dispatcher) Close(ctx context.Context) {
	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		d.log.Warn().Msg("shutdown deadline reached, cancelling in-flight mail")
		d.cancel()
		<-finished
	}
	d.cancel()
}
