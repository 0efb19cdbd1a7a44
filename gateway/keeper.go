package gateway

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tolelom/bikerush/reconcile"
	"github.com/tolelom/bikerush/schedule"
)

// Roller submits the daily challenge rollover.
type Roller interface {
	RollDailyChallenge(ctx context.Context) (reconcile.Op, error)
}

// StartKeeper submits the daily rollover now and then every interval, so
// the first daily session of a day does not pay for the rollover.
func StartKeeper(sched *schedule.Scheduler, roller Roller, every, timeout time.Duration) (*schedule.Task, error) {
	log := logrus.WithField("component", "keeper")
	return sched.Every(every, true, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		op, err := roller.RollDailyChallenge(ctx)
		entry := log.WithFields(logrus.Fields{"op": op.ID, "tx": op.TxID, "outcome": op.Outcome})
		if err != nil {
			entry.WithError(err).Warn("daily rollover failed")
			return
		}
		entry.Info("daily rollover submitted")
	})
}
