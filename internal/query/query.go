// Package query answers time-windowed lookups over the event log.
package query

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"blocklog.ai/internal/model"
)

var ErrNegativeWindow = errors.New("window must not be negative")

// Reader is the read side of logdb.Store.
type Reader interface {
	EntriesAt(ctx context.Context, loc model.Location, since int64, limit int) ([]model.LogEntry, error)
	EntriesByActor(ctx context.Context, actor uuid.UUID, since int64, limit int) ([]model.LogEntry, error)
	EntriesIn(ctx context.Context, c model.Cuboid, since int64, limit int) ([]model.LogEntry, error)
}

type Options struct {
	// DefaultLimit caps ByActor and InArea when the caller passes limit <= 0.
	DefaultLimit int
	Now          func() time.Time
}

type Service struct {
	r            Reader
	defaultLimit int
	now          func() time.Time
}

func New(r Reader, opts Options) *Service {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{r: r, defaultLimit: opts.DefaultLimit, now: opts.Now}
}

// Since converts a look-back window into an absolute unix-ms cutoff.
func (s *Service) Since(window time.Duration) (int64, error) {
	if window < 0 {
		return 0, ErrNegativeWindow
	}
	return s.now().Add(-window).UnixMilli(), nil
}

// ByLocation returns every entry at loc within window, newest first.
func (s *Service) ByLocation(ctx context.Context, loc model.Location, window time.Duration) ([]model.LogEntry, error) {
	since, err := s.Since(window)
	if err != nil {
		return nil, err
	}
	return s.r.EntriesAt(ctx, loc, since, 0)
}

// ByActor returns at most limit of the actor's entries within window, newest first.
func (s *Service) ByActor(ctx context.Context, actor uuid.UUID, window time.Duration, limit int) ([]model.LogEntry, error) {
	since, err := s.Since(window)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.defaultLimit
	}
	return s.r.EntriesByActor(ctx, actor, since, limit)
}

// ByActorAll is ByActor without a limit.
func (s *Service) ByActorAll(ctx context.Context, actor uuid.UUID, window time.Duration) ([]model.LogEntry, error) {
	since, err := s.Since(window)
	if err != nil {
		return nil, err
	}
	return s.r.EntriesByActor(ctx, actor, since, 0)
}

func (s *Service) InArea(ctx context.Context, c model.Cuboid, window time.Duration, limit int) ([]model.LogEntry, error) {
	since, err := s.Since(window)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.defaultLimit
	}
	return s.r.EntriesIn(ctx, c, since, limit)
}
