package quota

import (
	"context"
	"time"

	internalsettings "github.com/nebulatech/volquota/internal/settings"

	log "github.com/sirupsen/logrus"
)

// Expirer periodically releases reservations whose lease deadline passed.
// The interval is re-read from settings on every cycle so operators can
// tune it without restarting.
type Expirer struct {
	ledger *Ledger
}

// NewExpirer constructs an Expirer over the ledger.
func NewExpirer(ledger *Ledger) *Expirer {
	if ledger == nil {
		return nil
	}
	return &Expirer{ledger: ledger}
}

// Start launches the sweep loop in a background goroutine.
func (e *Expirer) Start(ctx context.Context) {
	if e == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go e.run(ctx)
	log.Infof("reservation expirer started (interval=%s)", internalsettings.ReservationExpireInterval())
}

func (e *Expirer) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		e.sweepOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		timer := time.NewTimer(internalsettings.ReservationExpireInterval())
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

func (e *Expirer) sweepOnce(ctx context.Context) {
	if e == nil || e.ledger == nil {
		return
	}
	expired, errExpire := e.ledger.Expire(ctx, time.Now().UTC())
	if errExpire != nil {
		log.WithError(errExpire).Warn("reservation expirer: sweep failed")
		return
	}
	if expired > 0 {
		log.Infof("reservation expirer: released %d expired reservations", expired)
	}
}
