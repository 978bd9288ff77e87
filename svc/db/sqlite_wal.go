package db

import (
	"context"
	"time"

	"veil/svc/util"

	"github.com/pkg/errors"
)

const checkpointInterval = 5 * time.Minute

// StartMaintenance checkpoints the WAL and prunes entries older than
// retention until quit is closed. A zero retention keeps everything.
func StartMaintenance(j *Journal, retention time.Duration, quit <-chan struct{}) {
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			j.maintain(retention)
		case <-quit:
			if err := j.checkpoint(context.Background()); err != nil {
				util.Error().Err(err).Msg("final WAL checkpoint failed")
			}
			return
		}
	}
}

func (j *Journal) maintain(retention time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if retention > 0 {
		n, err := j.Prune(ctx, j.now().Add(-retention))
		if err != nil {
			util.Error().Err(err).Msg("journal prune failed")
		} else if n > 0 {
			util.Debug().Int("deleted", n).Msg("journal pruned")
		}
	}
	if err := j.checkpoint(ctx); err != nil {
		util.Error().Err(err).Msg("WAL checkpoint failed")
	}
}

func (j *Journal) checkpoint(ctx context.Context) error {
	start := time.Now()
	var busy, logPages, checkpointed int
	err := j.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &logPages, &checkpointed)
	if err != nil {
		return errors.Wrap(err, "PASSIVE checkpoint")
	}
	if logPages > 1000 {
		util.Info().Int("log", logPages).Msg("escalating to TRUNCATE checkpoint")
		if _, err := j.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			return errors.Wrap(err, "TRUNCATE checkpoint")
		}
	}
	util.Debug().
		Int("busy", busy).
		Int("log", logPages).
		Int("checkpointed", checkpointed).
		Dur("duration", time.Since(start)).
		Msg("WAL checkpoint completed")
	return nil
}
