package runtime

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/crossrate/tradecap/store"
)

// ArchiveSweeper periodically archives expired idempotency records and,
// when a retention is configured, old blotters.
type ArchiveSweeper struct {
	store            *store.Store
	interval         time.Duration
	blotterRetention time.Duration
}

// NewArchiveSweeper returns a sweeper over |st|.
func NewArchiveSweeper(st *store.Store, interval, blotterRetention time.Duration) *ArchiveSweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &ArchiveSweeper{store: st, interval: interval, blotterRetention: blotterRetention}
}

// Sweep runs one archive pass.
func (s *ArchiveSweeper) Sweep(ctx context.Context) {
	var now = time.Now().UTC()

	var archived, err = s.store.ArchiveExpiredIdempotency(ctx, now)
	if err != nil {
		log.WithField("err", err).Warn("failed to archive expired idempotency records")
	} else if archived != 0 {
		log.WithField("count", archived).Info("archived expired idempotency records")
	}

	if s.blotterRetention <= 0 {
		return
	}
	archived, err = s.store.ArchiveBlottersByDateRange(ctx, time.Time{}, now.Add(-s.blotterRetention))
	if err != nil {
		log.WithField("err", err).Warn("failed to archive aged blotters")
	} else if archived != 0 {
		log.WithField("count", archived).Info("archived aged blotters")
	}
}

// Serve sweeps on the configured interval until |ctx| is done.
func (s *ArchiveSweeper) Serve(ctx context.Context) error {
	var ticker = time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}
