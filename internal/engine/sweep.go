package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

type SweepResult struct {
	Purged  int
	Removed int
	Failed  int
}

// Sweep destroys the content of terminal secrets nobody has visited since
// they expired, then removes tombstones older than the retention period
// together with their access logs. Reveal never depends on it having run.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	p := e.Policy()
	now := e.now()
	start := time.Now()

	pending, err := e.store.ListPurgeable(ctx, now, p.SweepBatch)
	if err != nil {
		return res, storeErr("list purgeable", err)
	}
	for _, secret := range pending {
		if err := e.purge(ctx, secret, string(secret.StateAt(now))); err != nil {
			res.Failed++
			e.log.WithError(err).WithField("secret_id", secret.ID).Warn("Sweep failed to purge secret")
			continue
		}
		res.Purged++
	}

	removed, err := e.store.DeleteTombstones(ctx, now.Add(-p.TombstoneRetention), p.SweepBatch)
	if err != nil {
		return res, storeErr("delete tombstones", err)
	}
	for _, id := range removed {
		if err := e.ledger.DeleteBySecret(ctx, id); err != nil {
			res.Failed++
			e.log.WithError(err).WithField("secret_id", id).Warn("Sweep failed to delete access log")
		}
	}
	res.Removed = len(removed)

	e.log.WithFields(logrus.Fields{
		"purged":  res.Purged,
		"removed": res.Removed,
		"failed":  res.Failed,
		"took":    time.Since(start).Round(time.Millisecond),
	}).Info("Sweep finished")

	return res, nil
}
