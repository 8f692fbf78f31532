// Package integrity verifies stored payloads against their recorded
// hashes and drives the repair cascade: re-check, roll back to the newest
// version that still verifies, and quarantine when nothing does.
package integrity

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/zseilabs/zsei/internal/store"
	"github.com/zseilabs/zsei/model"
)

// Checker runs hash verification against a store. Scans are rate-limited
// so a full sweep cannot starve foreground reads.
type Checker struct {
	store   *store.Store
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewChecker creates a checker. recordsPerSec <= 0 means unthrottled.
func NewChecker(st *store.Store, recordsPerSec float64, logger *slog.Logger) *Checker {
	limit := rate.Inf
	if recordsPerSec > 0 {
		limit = rate.Limit(recordsPerSec)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		store:   st,
		limiter: rate.NewLimiter(limit, 1),
		log:     logger,
	}
}

// Verify checks every retained version of one container and returns all
// mismatches found. An unknown id is store.ErrNotFound. A version that
// cannot be read at all (a failed cold-block checksum, an undecodable
// frame) counts as a mismatch rather than aborting the sweep; only context
// cancellation cuts a sweep short.
func (c *Checker) Verify(ctx context.Context, id model.ContainerID) ([]model.Mismatch, error) {
	versions, err := c.store.Versions(id)
	if err != nil {
		return nil, err
	}

	var mismatches []model.Mismatch
	for _, v := range versions {
		if v.Tombstone {
			continue
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		m, bad, err := c.store.VerifyVersion(ctx, id, v.Version)
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return nil, err
		case errors.Is(err, store.ErrNotFound):
			continue // pruned mid-sweep
		case err != nil:
			c.log.Warn("version unreadable during verification",
				slog.String("id", id.String()),
				slog.Any("version", v.Version),
				slog.Any("error", err))
			mismatches = append(mismatches, model.Mismatch{ID: id, Version: v.Version})
		case bad:
			mismatches = append(mismatches, m)
		}
	}
	return mismatches, nil
}

// VerifyAll sweeps every live container, collecting all mismatches rather
// than stopping at the first. Sharding splits the sweep for the background
// verifier; shards <= 1 means one full pass.
func (c *Checker) VerifyAll(ctx context.Context) ([]model.Mismatch, error) {
	return c.VerifyShard(ctx, 0, 1)
}

// VerifyShard verifies the live containers falling into one shard.
func (c *Checker) VerifyShard(ctx context.Context, shard, shards int) ([]model.Mismatch, error) {
	var mismatches []model.Mismatch
	for _, id := range c.store.LiveIDs(shard, shards) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := c.Verify(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue // deleted mid-sweep
		}
		if err != nil {
			return nil, err
		}
		mismatches = append(mismatches, found...)
	}
	return mismatches, nil
}

// Outcome reports what the repair cascade did for one container.
type Outcome int

const (
	// OutcomeClean means no corruption was found (or the re-check passed).
	OutcomeClean Outcome = iota
	// OutcomeRolledBack means a prior verifying version was restored as a
	// new version.
	OutcomeRolledBack
	// OutcomeQuarantined means no retained version verifies; the id is
	// marked permanently corrupt.
	OutcomeQuarantined
)

func (o Outcome) String() string {
	switch o {
	case OutcomeClean:
		return "clean"
	case OutcomeRolledBack:
		return "rolled_back"
	case OutcomeQuarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

// Repair runs the cascade on one container:
//
//  1. Re-verify the newest live version. A clean re-read ends the cascade;
//     the earlier mismatch was transient.
//  2. Walk prior retained versions newest-first; the first one whose
//     payload verifies is restored as a new version.
//  3. Nothing verifies: mark the container permanently corrupt.
func (c *Checker) Repair(ctx context.Context, id model.ContainerID) (Outcome, error) {
	versions, err := c.store.Versions(id)
	if err != nil {
		return OutcomeClean, err
	}

	// Newest non-tombstone version.
	newest := -1
	for i := len(versions) - 1; i >= 0; i-- {
		if !versions[i].Tombstone {
			newest = i
			break
		}
	}
	if newest < 0 {
		return OutcomeClean, store.ErrNotFound
	}

	_, bad, err := c.store.VerifyVersion(ctx, id, versions[newest].Version)
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return OutcomeClean, err
	case err != nil:
		// An unreadable newest version is corruption; fall through to the
		// rollback walk.
		bad = true
	}
	if !bad {
		return OutcomeClean, nil
	}
	c.log.Warn("corrupt newest version, starting rollback",
		slog.String("id", id.String()),
		slog.Any("version", versions[newest].Version))

	for i := newest - 1; i >= 0; i-- {
		if versions[i].Tombstone {
			continue
		}
		_, bad, err := c.store.VerifyVersion(ctx, id, versions[i].Version)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return OutcomeClean, err
		}
		if err != nil || bad {
			continue // unreadable candidates cannot be restored from
		}
		good, err := c.store.ReadVersionUnchecked(ctx, id, versions[i].Version)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return OutcomeClean, err
		}
		if err != nil {
			continue
		}
		restored, err := c.store.Restore(ctx, id, good.Payload, good.Embedding)
		if err != nil {
			return OutcomeClean, err
		}
		c.log.Info("rolled back corrupt container",
			slog.String("id", id.String()),
			slog.Any("from_version", versions[i].Version),
			slog.Any("new_version", restored.Version))
		return OutcomeRolledBack, nil
	}

	if err := c.store.MarkQuarantined(ctx, id); err != nil {
		return OutcomeClean, err
	}
	c.log.Error("no retained version verifies, container quarantined",
		slog.String("id", id.String()))
	return OutcomeQuarantined, nil
}
