// Package cleanup deletes remote resources whose grace period elapsed. One
// sweeper runs per deployment, elected through an advisory lock, so the
// remote platform never sees concurrent deletes for the same resource.
package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/allisson/go-pglock/v3"
	"github.com/cenkalti/backoff/v4"
	"github.com/spaolacci/murmur3"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/ldm-writer/internal/sqlmw"
	"github.com/rudderlabs/ldm-writer/internal/repo"
	"github.com/rudderlabs/ldm-writer/writer/model"
	"github.com/rudderlabs/ldm-writer/writer/platform"
)

const lockName = "writer_cleanup"

type Service struct {
	logger       logger.Logger
	statsFactory stats.Stats

	db     *sqlmw.DB
	ledger *repo.Cleanup
	client platform.Client

	sweepInterval time.Duration
	maxAttempts   uint64
}

func New(
	conf *config.Config,
	log logger.Logger,
	statsFactory stats.Stats,
	db *sqlmw.DB,
	ledger *repo.Cleanup,
	client platform.Client,
) *Service {
	return &Service{
		logger:       log.Child("cleanup"),
		statsFactory: statsFactory,
		db:           db,
		ledger:       ledger,
		client:       client,

		sweepInterval: conf.GetDuration("Writer.cleanup.sweepInterval", 1, time.Hour),
		maxAttempts:   uint64(conf.GetInt64("Writer.cleanup.maxAttempts", 3)),
	}
}

// Run acquires the sweeper lock and then sweeps until the context is
// cancelled. It blocks and should be run in its own goroutine.
func (s *Service) Run(ctx context.Context) error {
	sweeperLockID := murmur3.Sum64([]byte(lockName))
	sweeperLock, err := pglock.NewLock(ctx, int64(sweeperLockID), s.db.DB)
	if err != nil {
		return fmt.Errorf("creating cleanup sweeper lock: %w", err)
	}

	var locked bool
	defer func() {
		if locked {
			if err := sweeperLock.Unlock(ctx); err != nil {
				s.logger.Warnf("unlocking cleanup sweeper lock: %v", err)
			}
		}
	}()

	for {
		if locked, err = sweeperLock.Lock(ctx); err != nil {
			s.logger.Warnf("acquiring cleanup sweeper lock: %v", err)
		} else if locked {
			break
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.sweepInterval / 5):
		}
	}

	for {
		if err := s.sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Errorw("sweeping deferred deletions", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.sweepInterval):
		}
	}
}

// sweep deletes every due resource once. A resource that fails transiently
// stays in the ledger and is retried on the next sweep; a resource the
// platform no longer knows is treated as deleted.
func (s *Service) sweep(ctx context.Context) error {
	entries, err := s.ledger.DueForDeletion(ctx)
	if err != nil {
		return fmt.Errorf("fetching due deletions: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	deleted := make(map[model.ResourceKind][]string)
	for _, entry := range entries {
		if err := s.deleteResource(ctx, entry); err != nil {
			if model.IsUserError(err) {
				// the platform does not know the resource anymore
				deleted[entry.Kind] = append(deleted[entry.Kind], entry.ResourceID)
				continue
			}
			s.logger.Warnw("deleting remote resource",
				"kind", entry.Kind,
				"resourceId", entry.ResourceID,
				"projectId", entry.ProjectID,
				"writerId", entry.WriterID,
				"error", err,
			)
			continue
		}
		deleted[entry.Kind] = append(deleted[entry.Kind], entry.ResourceID)
	}

	for kind, resourceIDs := range deleted {
		if err := s.ledger.MarkDeleted(ctx, kind, resourceIDs); err != nil {
			return fmt.Errorf("marking %s deletions: %w", kind, err)
		}
		s.statsFactory.NewTaggedStat("writer_cleanup_deleted", stats.CountType, stats.Tags{
			"kind": kind,
		}).Count(len(resourceIDs))
		s.logger.Infow("deleted remote resources", "kind", kind, "count", len(resourceIDs))
	}
	return nil
}

func (s *Service) deleteResource(ctx context.Context, entry model.DeferredDeletion) error {
	operation := func() error {
		var err error
		switch entry.Kind {
		case model.ResourceProject:
			err = s.client.DeleteProject(ctx, entry.ResourceID)
		case model.ResourceUser:
			err = s.client.DeleteUser(ctx, entry.ResourceID)
		default:
			return backoff.Permanent(fmt.Errorf("unknown resource kind %q", entry.Kind))
		}

		if err := platform.Classify(err); err != nil {
			if !model.IsTransientError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	return backoff.RetryNotify(
		operation,
		backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.maxAttempts), ctx),
		func(err error, t time.Duration) {
			s.logger.Warnf("retrying %s %s deletion in %s: %v", entry.Kind, entry.ResourceID, t, err)
		},
	)
}
