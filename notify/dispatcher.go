package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/phbpx/leads"
	"github.com/phbpx/leads/telemetry"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
)

const defaultDispatchTimeout = 30 * time.Second

// Dispatcher runs notifications detached from the request that scheduled
// them. Work that has not finished when the process exits is lost.
type Dispatcher struct {
	notifier *Notifier
	timeout  time.Duration
	log      *otelzap.SugaredLogger
	wg       sync.WaitGroup
}

func NewDispatcher(notifier *Notifier, timeout time.Duration, log *otelzap.SugaredLogger) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	return &Dispatcher{
		notifier: notifier,
		timeout:  timeout,
		log:      log,
	}
}

// Schedule starts the dispatch for lead and returns immediately. The request
// context only contributes its values (trace span); its cancellation does not
// reach the dispatch.
func (d *Dispatcher) Schedule(ctx context.Context, lead leads.Lead) {
	d.wg.Add(1)
	telemetry.DispatchesInFlight.Inc()

	go func() {
		defer d.wg.Done()
		defer telemetry.DispatchesInFlight.Dec()
		defer func() {
			if r := recover(); r != nil {
				d.log.Ctx(ctx).Errorw("notify", "status", "dispatch panicked", "lead", lead.ID, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		if _, err := d.notifier.Dispatch(ctx, lead); err != nil {
			d.log.Ctx(ctx).Errorw("notify", "status", "dispatch rejected", "lead", lead.ID, "error", err.Error())
		}
	}()
}

// Wait blocks until every scheduled dispatch has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("notification dispatches still running"), ctx.Err())
	}
}
