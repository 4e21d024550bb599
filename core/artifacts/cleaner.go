package artifacts

import (
	"context"
	"log/slog"
	"time"

	"github.com/aqasem/rollcall/core/logger"
)

// RunCleaner prunes aged artifacts at the given interval until ctx is
// cancelled. One pass runs immediately on start.
func (s *Store) RunCleaner(ctx context.Context, maxAge, interval time.Duration) {
	s.cleanPass(ctx, maxAge)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanPass(ctx, maxAge)
		}
	}
}

func (s *Store) cleanPass(ctx context.Context, maxAge time.Duration) {
	removed, err := s.CleanOnce(maxAge)
	if err != nil {
		logger.LogEvent(ctx, logger.Art, slog.LevelWarn, "clean_failed",
			slog.String("err", err.Error()))
		return
	}
	if removed > 0 {
		logger.LogEvent(ctx, logger.Art, slog.LevelInfo, "cleaned",
			slog.Int("count", removed))
	}
}
