package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/saleshub/api-go/internal/model"
)

const defaultProcessType = "Automation"

// Service implements the queue operations behind /api/queue. Positions are
// recomputed from a fresh ordered read on every call.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger, now: time.Now}
}

// List returns the ordered queue. On store failure it returns an empty,
// non-nil slice together with the error so callers can still render.
func (s *Service) List(ctx context.Context) ([]model.QueueEntry, error) {
	entries, err := s.store.List(ctx)
	if err != nil {
		s.logger.Warn("queue list failed", zap.Error(err))
		return []model.QueueEntry{}, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	return entries, nil
}

// Join adds userID to the queue unless already present and reports its
// position. Repeated joins for the same user return the existing position.
func (s *Service) Join(ctx context.Context, userID, userName, processType string) (int, []model.QueueEntry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, []model.QueueEntry{}, model.ErrMissingUserID
	}
	userName = strings.TrimSpace(userName)
	if userName == "" {
		userName = model.DefaultUserName
	}
	processType = strings.TrimSpace(processType)
	if processType == "" {
		processType = defaultProcessType
	}

	entry := model.QueueEntry{
		ID:          uuid.NewString(),
		UserID:      userID,
		UserName:    userName,
		ProcessType: processType,
		JoinedAt:    s.now().UTC(),
		Status:      model.StatusWaiting,
	}
	stored, created, err := s.store.Join(ctx, entry)
	if err != nil {
		s.logger.Error("queue join failed", zap.String("user_id", userID), zap.Error(err))
		return 0, []model.QueueEntry{}, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	if created {
		s.logger.Info("queue joined",
			zap.String("user_id", userID),
			zap.String("process_type", stored.ProcessType),
			zap.String("entry_id", stored.ID),
		)
	}

	entries, err := s.List(ctx)
	if err != nil {
		return 0, entries, err
	}
	return PositionOf(entries, userID), entries, nil
}

// Position reports userID's rank without modifying the queue; -1 when absent.
func (s *Service) Position(ctx context.Context, userID string) (int, []model.QueueEntry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return -1, []model.QueueEntry{}, model.ErrMissingUserID
	}
	entries, err := s.List(ctx)
	if err != nil {
		return -1, entries, err
	}
	return PositionOf(entries, userID), entries, nil
}

// Leave removes userID's entry. Removing an absent user is not an error.
func (s *Service) Leave(ctx context.Context, userID string) ([]model.QueueEntry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return []model.QueueEntry{}, model.ErrMissingUserID
	}
	if err := s.store.Leave(ctx, userID); err != nil {
		s.logger.Error("queue leave failed", zap.String("user_id", userID), zap.Error(err))
		return []model.QueueEntry{}, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	s.logger.Info("queue left", zap.String("user_id", userID))
	return s.List(ctx)
}

// Sweep removes entries that joined more than maxAge ago.
func (s *Service) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	removed, err := s.store.Prune(ctx, s.now().Add(-maxAge))
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		s.logger.Info("queue swept stale entries", zap.Int("removed", removed), zap.Duration("max_age", maxAge))
	}
	return removed, nil
}

// RunSweeper sweeps every interval until ctx is done. A zero maxAge disables
// sweeping and RunSweeper simply waits for ctx.
func (s *Service) RunSweeper(ctx context.Context, interval, maxAge time.Duration) error {
	if maxAge <= 0 || interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx, maxAge); err != nil {
				s.logger.Warn("queue sweep failed", zap.Error(err))
			}
		}
	}
}
