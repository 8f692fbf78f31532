package integrity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zseilabs/zsei/model"
)

// Verifier sweeps the store in the background, one shard per tick, and
// runs the repair cascade on every mismatch it finds.
type Verifier struct {
	checker  *Checker
	interval time.Duration
	shards   int
	onRepair func(id model.ContainerID, outcome Outcome)

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger
}

// StartVerifier launches the background sweep. onRepair, when non-nil, is
// invoked after each repaired container (the facade uses it to fix up the
// embedding index). Stop cancels the sweep and waits for it to drain.
func StartVerifier(checker *Checker, interval time.Duration, shards int, onRepair func(id model.ContainerID, outcome Outcome)) *Verifier {
	if interval <= 0 {
		interval = time.Minute
	}
	if shards < 1 {
		shards = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	v := &Verifier{
		checker:  checker,
		interval: interval,
		shards:   shards,
		onRepair: onRepair,
		cancel:   cancel,
		log:      checker.log,
	}
	v.wg.Add(1)
	go v.run(ctx)
	return v
}

func (v *Verifier) run(ctx context.Context) {
	defer v.wg.Done()

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	shard := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		mismatches, err := v.checker.VerifyShard(ctx, shard, v.shards)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			v.log.Error("background verification failed",
				slog.Int("shard", shard),
				slog.Any("error", err))
			continue
		}
		for _, m := range mismatches {
			outcome, err := v.checker.Repair(ctx, m.ID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				v.log.Error("repair failed",
					slog.String("id", m.ID.String()),
					slog.Any("error", err))
				continue
			}
			if v.onRepair != nil && outcome != OutcomeClean {
				v.onRepair(m.ID, outcome)
			}
		}
		shard = (shard + 1) % v.shards
	}
}

// Stop cancels the background sweep and blocks until it exits.
func (v *Verifier) Stop() {
	v.cancel()
	v.wg.Wait()
}
