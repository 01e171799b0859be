// Package conn manages the two long-lived server-push channels per
// itinerary: agent progress and document patches. It owns reconnect backoff,
// credential refresh on reconnect, and at-most-one-active-itinerary
// semantics.
package conn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roamplan/roamsync/internal/api"
	"github.com/roamplan/roamsync/internal/domain"
	"github.com/roamplan/roamsync/internal/normalize"
)

const (
	// defaultMaxAttempts bounds consecutive failed opens per channel.
	defaultMaxAttempts = 5
	// defaultBaseDelay scales linearly with the attempt number.
	defaultBaseDelay = time.Second
)

// StreamOpener is the slice of the backend client the manager needs.
type StreamOpener interface {
	OpenAgentStream(ctx context.Context, itineraryID string) (<-chan api.Frame, error)
	OpenPatchStream(ctx context.Context, itineraryID, executionID string) (<-chan api.Frame, error)
	RefreshToken(ctx context.Context) error
}

// FrameHandler receives every delivered frame with its source channel.
type FrameHandler func(channel normalize.Channel, frame api.Frame)

// DownHandler is called exactly once when a link goes down: err is nil for a
// deliberate disconnect and a retries-exhausted error for a terminal
// connection failure.
type DownHandler func(err error)

// Option configures the manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithBaseDelay sets the backoff base delay.
func WithBaseDelay(d time.Duration) Option {
	return func(m *Manager) {
		m.baseDelay = d
	}
}

// WithMaxAttempts sets the per-channel consecutive failed attempt bound.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		m.maxAttempts = n
	}
}

// WithFrameHandler sets the frame callback.
func WithFrameHandler(h FrameHandler) Option {
	return func(m *Manager) {
		m.onFrame = h
	}
}

// WithDownHandler sets the link-down callback.
func WithDownHandler(h DownHandler) Option {
	return func(m *Manager) {
		m.onDown = h
	}
}

// Manager tracks at most one active itinerary link at a time.
type Manager struct {
	opener      StreamOpener
	logger      *slog.Logger
	baseDelay   time.Duration
	maxAttempts int
	onFrame     FrameHandler
	onDown      DownHandler

	mu     sync.Mutex
	active *Link
}

// NewManager creates a connection manager over the given stream opener.
func NewManager(opener StreamOpener, opts ...Option) *Manager {
	m := &Manager{
		opener:      opener,
		logger:      slog.Default(),
		baseDelay:   defaultBaseDelay,
		maxAttempts: defaultMaxAttempts,
		onFrame:     func(normalize.Channel, api.Frame) {},
		onDown:      func(error) {},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Link is the handle to one itinerary's pair of open channels. Returned by
// Connect and owned by the caller; there is no package-level connection
// state.
type Link struct {
	ItineraryID string
	ExecutionID string

	manager  *Manager
	ctx      context.Context
	cancel   context.CancelFunc
	downOnce sync.Once
	wg       sync.WaitGroup
}

// Connect opens the agent-progress and document-patches channels for the
// itinerary. Calling it again with the same itinerary while connected is a
// no-op returning the existing link; a different itinerary first tears down
// the existing link.
func (m *Manager) Connect(ctx context.Context, itineraryID, executionID string) (*Link, error) {
	if itineraryID == "" {
		return nil, fmt.Errorf("connect: empty itinerary id")
	}

	m.mu.Lock()
	if l := m.active; l != nil {
		if l.ItineraryID == itineraryID && l.ctx.Err() == nil {
			m.mu.Unlock()
			return l, nil
		}
		m.mu.Unlock()
		l.Close()
		m.mu.Lock()
	}

	linkCtx, cancel := context.WithCancel(ctx)
	l := &Link{
		ItineraryID: itineraryID,
		ExecutionID: executionID,
		manager:     m,
		ctx:         linkCtx,
		cancel:      cancel,
	}
	m.active = l
	m.mu.Unlock()

	l.wg.Add(2)
	go m.runChannel(l, normalize.ChannelAgent)
	go m.runChannel(l, normalize.ChannelPatches)

	m.logger.Info("connected",
		slog.String("itinerary_id", itineraryID),
		slog.String("execution_id", executionID),
	)
	return l, nil
}

// Disconnect closes the active link, if any. Always safe to call.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	l := m.active
	m.mu.Unlock()
	if l != nil {
		l.Close()
	}
}

// Alive reports whether the link is still connected or reconnecting. A
// false result is terminal; resuming takes a new Connect call.
func (l *Link) Alive() bool {
	return l.ctx.Err() == nil
}

// Close tears down both channels and fires the down notification with a nil
// error. Idempotent; safe mid-backoff and mid-open.
func (l *Link) Close() {
	l.down(nil)
	l.wg.Wait()
}

// down cancels the link and fires the down handler exactly once.
func (l *Link) down(err error) {
	l.downOnce.Do(func() {
		l.cancel()
		l.manager.clearActive(l)
		l.manager.onDown(err)
	})
}

func (m *Manager) clearActive(l *Link) {
	m.mu.Lock()
	if m.active == l {
		m.active = nil
	}
	m.mu.Unlock()
}

// runChannel opens and consumes one channel, reconnecting with backoff
// (delay = baseDelay x attemptNumber) until maxAttempts consecutive failed
// opens, which is terminal for the whole link. Any delivered frame resets
// the channel's attempt counter.
func (m *Manager) runChannel(l *Link, channel normalize.Channel) {
	defer l.wg.Done()

	attempts := 0
	for {
		if l.ctx.Err() != nil {
			return
		}

		if attempts > 0 {
			// Credential refresh is best effort: a failure never blocks
			// the retry itself.
			if err := m.opener.RefreshToken(l.ctx); err != nil && l.ctx.Err() == nil {
				m.logger.Warn("token refresh before reconnect failed",
					slog.String("channel", string(channel)),
					slog.String("error", err.Error()),
				)
			}
		}

		frames, err := m.open(l, channel)
		if err == nil {
			err = m.consume(l, channel, frames, &attempts)
		}
		if l.ctx.Err() != nil {
			return
		}

		attempts++
		if attempts >= m.maxAttempts {
			m.logger.Error("reconnect attempts exhausted",
				slog.String("itinerary_id", l.ItineraryID),
				slog.String("channel", string(channel)),
				slog.Int("attempts", attempts),
			)
			l.down(domain.ErrRetriesExhausted(
				fmt.Sprintf("%s channel gave up after %d attempts", channel, attempts)).
				WithItinerary(l.ItineraryID).
				WithCause(err))
			return
		}

		delay := m.baseDelay * time.Duration(attempts)
		m.logger.Warn("channel dropped, reconnecting",
			slog.String("itinerary_id", l.ItineraryID),
			slog.String("channel", string(channel)),
			slog.Int("attempt", attempts),
			slog.Duration("backoff", delay),
		)

		select {
		case <-l.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (m *Manager) open(l *Link, channel normalize.Channel) (<-chan api.Frame, error) {
	switch channel {
	case normalize.ChannelAgent:
		return m.opener.OpenAgentStream(l.ctx, l.ItineraryID)
	default:
		return m.opener.OpenPatchStream(l.ctx, l.ItineraryID, l.ExecutionID)
	}
}

// consume delivers frames until the stream ends or fails. A delivered frame
// means the connection is healthy again, so the attempt counter resets.
func (m *Manager) consume(l *Link, channel normalize.Channel, frames <-chan api.Frame, attempts *int) error {
	for {
		select {
		case <-l.ctx.Done():
			return l.ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return domain.ErrTransport("stream ended").WithItinerary(l.ItineraryID)
			}
			if frame.Err != nil {
				return frame.Err
			}
			*attempts = 0
			m.onFrame(channel, frame)
		}
	}
}
