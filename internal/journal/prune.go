package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/mattjoyce/shunter/internal/storage"
)

// PruneInterval is how often RunPruner sweeps.
const PruneInterval = time.Hour

// Prune deletes rows created before cutoff from every journal table and
// returns the number removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	ts := cutoff.UTC().Format(time.RFC3339Nano)
	var total int64
	for _, table := range storage.Tables {
		res, err := j.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE created_at < ?;`, table), ts)
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		total += n
	}
	return total, nil
}

// RunPruner removes rows older than retention every interval until ctx is
// cancelled. A zero retention keeps everything.
func (j *Journal) RunPruner(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = PruneInterval
	}

	sweep := func() {
		n, err := j.Prune(ctx, j.now().Add(-retention))
		if err != nil {
			j.logger.Warn("journal prune failed", "error", err)
			return
		}
		if n > 0 {
			j.logger.Info("journal pruned", "rows", n, "retention", retention)
		}
	}

	sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
