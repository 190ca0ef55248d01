package compaction

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/pairpad/backend/internal/db"
)

type Config struct {
	Interval time.Duration

	// Rooms with at least this many stored edits get trimmed
	Threshold int

	// Most recent edits kept per trimmed room
	Keep int

	// Rooms visited per pass
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: 200,
		Keep:      50,
		BatchSize: 1000,
	}
}

// Store is the slice of the database the service needs
type Store interface {
	ListRooms(ctx context.Context, limit, offset int) ([]db.Room, error)
	CountEdits(ctx context.Context, roomID string) (int, error)
	TrimEdits(ctx context.Context, roomID string, keep int) (int64, error)
}

// Service periodically trims the edit history of busy rooms
type Service struct {
	store  Store
	config Config
	log    *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store Store, config Config, logger *slog.Logger) *Service {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		config: config,
		log:    logger.With("component", "compaction"),
	}
}

func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
	s.log.Info("compaction started", "interval", s.config.Interval, "threshold", s.config.Threshold, "keep", s.config.Keep)
}

func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info("compaction stopped")
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.CompactAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CompactAll(ctx)
		}
	}
}

// CompactAll trims every room past the threshold and returns how many rooms
// were trimmed
func (s *Service) CompactAll(ctx context.Context) int {
	compacted := 0
	for offset := 0; ; offset += s.config.BatchSize {
		rooms, err := s.store.ListRooms(ctx, s.config.BatchSize, offset)
		if err != nil {
			s.log.Error("list rooms", "err", err)
			return compacted
		}

		for _, r := range rooms {
			if ctx.Err() != nil {
				return compacted
			}
			trimmed, err := s.CompactRoom(ctx, r.ID)
			if err != nil {
				s.log.Error("compact room", "room", r.ID, "err", err)
				continue
			}
			if trimmed {
				compacted++
			}
		}

		if len(rooms) < s.config.BatchSize {
			break
		}
	}

	if compacted > 0 {
		s.log.Info("compacted edit history", "rooms", compacted)
	}
	return compacted
}

// CompactRoom trims one room's history when it is past the threshold
func (s *Service) CompactRoom(ctx context.Context, roomID string) (bool, error) {
	count, err := s.store.CountEdits(ctx, roomID)
	if err != nil {
		return false, err
	}
	if count < s.config.Threshold {
		return false, nil
	}

	removed, err := s.store.TrimEdits(ctx, roomID, s.config.Keep)
	if err != nil {
		return false, err
	}

	s.log.Debug("trimmed edits", "room", roomID, "removed", removed, "kept", s.config.Keep)
	return removed > 0, nil
}
