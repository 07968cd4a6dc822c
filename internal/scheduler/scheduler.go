// Package scheduler drives the periodic maintenance jobs: the nightly
// per-user pass (CRS recompute, tier evaluation, consolidation), weekly key
// rotation, and daily archive and export purges. Jobs are cooperative and
// cancellable per user; transient failures retry with capped exponential
// backoff.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"acms/internal/config"
	"acms/internal/crs"
	"acms/internal/logging"
	"acms/internal/policy"
	"acms/internal/store"
	"acms/internal/tier"
	"acms/internal/types"
)

// Scheduler owns the background job loops.
type Scheduler struct {
	store  *store.LocalStore
	crs    *crs.Engine
	tiers  *tier.Manager
	policy *policy.Engine
	cfg    *config.Config

	// invalidate drops a user's cached bundles after jobs mutate their
	// items. Optional.
	invalidate func(userID string)

	mu          sync.Mutex
	userCancels map[string]context.CancelFunc
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New wires the scheduler. invalidate may be nil.
func New(st *store.LocalStore, crsEngine *crs.Engine, tiers *tier.Manager, pol *policy.Engine, cfg *config.Config, invalidate func(string)) *Scheduler {
	return &Scheduler{
		store:       st,
		crs:         crsEngine,
		tiers:       tiers,
		policy:      pol,
		cfg:         cfg,
		invalidate:  invalidate,
		userCancels: make(map[string]context.CancelFunc),
	}
}

// Start launches the periodic loops. Stop cancels them and waits.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.loop(ctx, "nightly_pass", s.cfg.GetCRSRecomputeInterval(), s.RunNightly)
	s.loop(ctx, "key_rotation", s.cfg.GetKeyRotationInterval(), s.RotateKeys)
	s.loop(ctx, "archive_purge", s.cfg.GetArchivePurgeInterval(), s.PurgeArchives)

	logging.Get(logging.CategoryScheduler).Infow("scheduler started")
}

// Stop cancels all loops and in-flight jobs and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	for _, cancel := range s.userCancels {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job string, interval time.Duration, run func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logging.Get(logging.CategoryScheduler).Errorw("job failed",
						"job", job, "error", err)
				}
			}
		}
	}()
}

// CancelUser aborts any in-flight job for one user without touching others.
func (s *Scheduler) CancelUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.userCancels[userID]; ok {
		cancel()
		delete(s.userCancels, userID)
	}
}

// userContext derives a per-user cancellable context for a job run.
func (s *Scheduler) userContext(ctx context.Context, userID string) (context.Context, func()) {
	userCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.userCancels[userID] = cancel
	s.mu.Unlock()
	return userCtx, func() {
		cancel()
		s.mu.Lock()
		delete(s.userCancels, userID)
		s.mu.Unlock()
	}
}

// =============================================================================
// JOBS
// =============================================================================

// RunNightly runs the full maintenance pass for every user with items:
// recompute, evaluate, consolidate. Users are independent; one user's
// failure does not stop the pass.
func (s *Scheduler) RunNightly(ctx context.Context) error {
	users, err := s.store.AllUserIDs()
	if err != nil {
		return err
	}
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.RunUserPass(ctx, userID); err != nil && !errors.Is(err, context.Canceled) {
			logging.Get(logging.CategoryScheduler).Errorw("user pass failed",
				"job", "nightly_pass", "user", userID, "error", err,
				"class", classify(err))
		}
	}
	return nil
}

// RunUserPass runs recompute, evaluation, and consolidation for one user,
// retrying transient failures with exponential backoff. Also the on-demand
// entry point.
func (s *Scheduler) RunUserPass(ctx context.Context, userID string) error {
	userCtx, done := s.userContext(ctx, userID)
	defer done()

	err := s.retry(userCtx, func() error {
		if _, err := s.crs.RecomputeUser(userCtx, userID); err != nil {
			return err
		}
		plan, err := s.crs.EvaluateTransitions(userCtx, userID)
		if err != nil {
			return err
		}
		if _, err := s.tiers.Execute(userCtx, userID, plan); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.invalidate != nil {
		s.invalidate(userID)
	}
	return nil
}

// RotateKeys advances every active topic's key version. Items re-encrypt
// lazily on their next write.
func (s *Scheduler) RotateKeys(ctx context.Context) error {
	users, err := s.store.AllUserIDs()
	if err != nil {
		return err
	}
	keys := s.store.Keys()
	rotated := 0
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return err
		}
		profile, err := s.store.GetProfile(userID)
		if err != nil {
			continue
		}
		for topic := range profile.TopicCounts {
			version, err := keys.RotateTopic(userID, topic)
			if err != nil {
				logging.Get(logging.CategoryScheduler).Errorw("key rotation failed",
					"job", "key_rotation", "user", userID, "topic", topic, "error", err)
				continue
			}
			rotated++
			_ = s.store.AppendAudit(types.AuditEvent{
				UserID:   userID,
				Action:   types.AuditRotate,
				Metadata: map[string]any{"topic": topic, "version": version},
			})
		}
	}
	logging.Get(logging.CategoryScheduler).Infow("key rotation complete", "topics", rotated)
	return nil
}

// PurgeArchives erases archived items past their retention window and drops
// expired export handles.
func (s *Scheduler) PurgeArchives(ctx context.Context) error {
	users, err := s.store.AllUserIDs()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	cutoffs := map[types.Tier]time.Time{
		types.TierShort: now.Add(-s.cfg.ArchiveWindow(types.TierShort)),
		types.TierMid:   now.Add(-s.cfg.ArchiveWindow(types.TierMid)),
		types.TierLong:  now.Add(-s.cfg.ArchiveWindow(types.TierLong)),
	}
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.policy.PurgeExpiredArchives(userID, cutoffs); err != nil {
			logging.Get(logging.CategoryScheduler).Errorw("archive purge failed",
				"job", "archive_purge", "user", userID, "error", err,
				"class", classify(err))
		}
	}
	_, err = s.store.PurgeExpiredExports()
	return err
}

// =============================================================================
// RETRY AND FAILURE CLASSIFICATION
// =============================================================================

// retry runs op with exponential backoff, capped at the configured attempt
// limit. Fatal errors abort immediately.
func (s *Scheduler) retry(ctx context.Context, op func() error) error {
	maxRetries := s.cfg.Scheduler.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(maxRetries)), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if classify(err) == "fatal" {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

// classify splits failures into recoverable (retried) and fatal (not).
func classify(err error) string {
	var unavailable *types.BackendUnavailableError
	switch {
	case errors.As(err, &unavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, types.ErrOverloaded),
		errors.Is(err, types.ErrVersionConflict),
		errors.Is(err, types.ErrIndexNotReady):
		return "recoverable"
	default:
		return "fatal"
	}
}

// JobStatus is a point-in-time view for diagnostics.
type JobStatus struct {
	ActiveUsers []string `json:"active_users"`
}

// Status reports the users with in-flight jobs.
func (s *Scheduler) Status() JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.userCancels))
	for u := range s.userCancels {
		users = append(users, u)
	}
	return JobStatus{ActiveUsers: users}
}
