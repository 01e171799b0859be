// Package poller is the fallback path when the push channels are
// unavailable (e.g. after a page reload): it re-queries document status on
// an interval until the generation lifecycle reaches a terminal state.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roamplan/roamsync/internal/domain"
)

const defaultInterval = 3 * time.Second

// ErrGenerationFailed is returned when the document reports failed status.
var ErrGenerationFailed = errors.New("generation failed")

// Fetcher is the slice of the planner client the poller needs.
type Fetcher interface {
	Itinerary(ctx context.Context, itineraryID string) (*domain.Itinerary, error)
}

// Option configures the poller.
type Option func(*Poller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		p.interval = d
	}
}

// Poller repeatedly fetches document status.
type Poller struct {
	fetcher  Fetcher
	logger   *slog.Logger
	interval time.Duration
}

// New creates a poller.
func New(fetcher Fetcher, opts ...Option) *Poller {
	p := &Poller{
		fetcher:  fetcher,
		logger:   slog.Default(),
		interval: defaultInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until the document reaches a terminal state or ctx is
// cancelled. Every non-terminal fetch with a status is passed to onUpdate.
//
// Inconclusive responses never advance state: a missing status field keeps
// polling, and so does a completed status with no day content, which is the
// race where status flips before content is persisted and is logged as an
// anomaly. A failed status is always terminal.
func (p *Poller) Run(ctx context.Context, itineraryID string, onUpdate func(*domain.Itinerary)) (*domain.Itinerary, error) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		it, err := p.fetcher.Itinerary(ctx, itineraryID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.logger.Warn("status poll failed",
				slog.String("itinerary_id", itineraryID),
				slog.String("error", err.Error()),
			)

		case it.Status == "":
			p.logger.Debug("status poll inconclusive, no status field",
				slog.String("itinerary_id", itineraryID),
			)

		case it.Status == domain.StatusFailed:
			return it, ErrGenerationFailed

		case it.Status == domain.StatusCompleted:
			if it.HasContent() {
				return it, nil
			}
			p.logger.Warn("completed status with no content, continuing to poll",
				slog.String("itinerary_id", itineraryID),
				slog.Int64("version", it.Version),
			)

		default:
			// planning or generating: still in flight
			if onUpdate != nil {
				onUpdate(it)
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
