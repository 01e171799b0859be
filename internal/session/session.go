// Package session is the sync core's runtime: it owns the connection
// manager, normalizer, revision store, edit coordinator, and fallback
// poller for one itinerary at a time, serializes all document mutation
// through a single event loop, and fans normalized change events out to
// subscribers.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roamplan/roamsync/internal/api"
	"github.com/roamplan/roamsync/internal/changeset"
	"github.com/roamplan/roamsync/internal/conn"
	"github.com/roamplan/roamsync/internal/domain"
	"github.com/roamplan/roamsync/internal/edit"
	"github.com/roamplan/roamsync/internal/normalize"
	"github.com/roamplan/roamsync/internal/poller"
	"github.com/roamplan/roamsync/internal/revision"
)

const (
	frameBuffer      = 64
	subscriberBuffer = 32
)

// PlannerClient is everything the session needs from the backend client.
type PlannerClient interface {
	conn.StreamOpener
	Itinerary(ctx context.Context, itineraryID string) (*domain.Itinerary, error)
	Apply(ctx context.Context, itineraryID string, cs domain.ChangeSet) (*api.ApplyResult, error)
	Rollback(ctx context.Context, itineraryID string, version int64) (*api.ApplyResult, error)
}

// Option configures the session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithPollInterval sets the fallback poller interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) {
		s.pollInterval = d
	}
}

// WithReconnectBaseDelay sets the connection manager's backoff base delay.
func WithReconnectBaseDelay(d time.Duration) Option {
	return func(s *Session) {
		s.reconnectBase = d
	}
}

// frameMsg carries one raw frame from a channel goroutine into the loop.
type frameMsg struct {
	channel normalize.Channel
	frame   api.Frame
}

// Session drives the sync core for at most one itinerary at a time.
type Session struct {
	client        PlannerClient
	store         *revision.Store
	normalizer    *normalize.Normalizer
	logger        *slog.Logger
	pollInterval  time.Duration
	reconnectBase time.Duration

	manager *conn.Manager
	frames  chan frameMsg
	downs   chan error

	mu          sync.RWMutex
	itineraryID string
	current     *domain.Itinerary
	coordinator *edit.Coordinator
	link        *conn.Link
	loopCancel  context.CancelFunc
	loopDone    chan struct{}
	pollCancel  context.CancelFunc

	subMu  sync.Mutex
	subs   map[int]chan domain.ChangeEvent
	nextID int
}

// New creates a session over the given backend client and revision store.
func New(client PlannerClient, store *revision.Store, opts ...Option) *Session {
	s := &Session{
		client:        client,
		store:         store,
		logger:        slog.Default(),
		pollInterval:  3 * time.Second,
		reconnectBase: time.Second,
		frames:        make(chan frameMsg, frameBuffer),
		downs:         make(chan error, 2),
		subs:          make(map[int]chan domain.ChangeEvent),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.normalizer = normalize.New(normalize.WithLogger(s.logger))
	s.manager = conn.NewManager(client,
		conn.WithLogger(s.logger),
		conn.WithBaseDelay(s.reconnectBase),
		conn.WithFrameHandler(s.enqueueFrame),
		conn.WithDownHandler(s.enqueueDown),
	)
	return s
}

func (s *Session) enqueueFrame(channel normalize.Channel, frame api.Frame) {
	select {
	case s.frames <- frameMsg{channel: channel, frame: frame}:
	default:
		s.logger.Warn("frame queue full, dropping frame",
			slog.String("channel", string(channel)),
			slog.String("event", frame.Event),
		)
	}
}

func (s *Session) enqueueDown(err error) {
	select {
	case s.downs <- err:
	default:
	}
}

// Connect loads the document, opens both push channels, and starts the
// event loop. Reconnecting to the same itinerary is a no-op; a different
// itinerary tears the previous one down first.
func (s *Session) Connect(ctx context.Context, itineraryID, executionID string) error {
	// A dead link is not connected: after reconnect exhaustion an explicit
	// Connect call must be able to resume.
	s.mu.Lock()
	if s.itineraryID == itineraryID && s.link != nil && s.link.Alive() {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	// Switching itineraries: tear down the previous one entirely.
	s.Disconnect()
	s.drainQueues()

	it, err := s.client.Itinerary(ctx, itineraryID)
	if err != nil {
		return fmt.Errorf("load itinerary: %w", err)
	}

	head, err := s.store.Head(ctx, itineraryID)
	if err != nil {
		return fmt.Errorf("revision head: %w", err)
	}
	if it.Version > head {
		if _, err := s.store.RecordChange(ctx, itineraryID, *it,
			domain.ChangeMinor, "synchronized from backend", len(it.Days)); err != nil {
			return fmt.Errorf("record initial revision: %w", err)
		}
	}

	coordinator := edit.NewCoordinator(itineraryID, s.client, edit.WithLogger(s.logger))
	for _, d := range it.Days {
		coordinator.SyncAuthoritative(d)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.itineraryID = itineraryID
	s.current = it
	s.coordinator = coordinator
	s.loopCancel = cancel
	s.loopDone = done
	s.mu.Unlock()

	link, err := s.manager.Connect(loopCtx, itineraryID, executionID)
	if err != nil {
		cancel()
		return err
	}
	s.mu.Lock()
	s.link = link
	s.mu.Unlock()

	go s.loop(loopCtx, done)
	return nil
}

// Disconnect tears down channels, the loop, and any fallback poller.
// Always safe to call.
func (s *Session) Disconnect() {
	s.mu.Lock()
	link := s.link
	cancel := s.loopCancel
	done := s.loopDone
	pollCancel := s.pollCancel
	s.link = nil
	s.loopCancel = nil
	s.loopDone = nil
	s.pollCancel = nil
	s.itineraryID = ""
	s.current = nil
	s.coordinator = nil
	s.mu.Unlock()

	if pollCancel != nil {
		pollCancel()
	}
	if cancel != nil {
		cancel()
	}
	if link != nil {
		link.Close()
	}
	if done != nil {
		<-done
	}
}

// drainQueues drops frames and down notifications left over from a
// previous link so they cannot bleed into the next one.
func (s *Session) drainQueues() {
	for {
		select {
		case <-s.frames:
		case <-s.downs:
		default:
			return
		}
	}
}

// loop is the single mutator of document state. Frames, link-down
// notifications, and poll results all funnel through here, so ordering
// between the independent sources is decided in one place by version
// number, not arrival time.
func (s *Session) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.frames:
			s.handleFrame(ctx, msg)
		case err := <-s.downs:
			if err == nil {
				continue // deliberate disconnect
			}
			// Terminal for the link: drop the handle so the next Connect
			// opens fresh channels instead of short-circuiting.
			s.mu.Lock()
			s.link = nil
			s.mu.Unlock()
			s.logger.Error("push channels down",
				slog.String("error", err.Error()),
			)
			s.startFallbackPolling(ctx)
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, msg frameMsg) {
	s.mu.RLock()
	itineraryID := s.itineraryID
	s.mu.RUnlock()
	if itineraryID == "" {
		return
	}

	ev, err := s.normalizer.Normalize(msg.channel, itineraryID, msg.frame.Event, msg.frame.Data)
	if err != nil {
		// One malformed frame never tears down the channel.
		s.logger.Warn("dropping malformed frame",
			slog.String("channel", string(msg.channel)),
			slog.String("event", msg.frame.Event),
			slog.String("error", err.Error()),
		)
		return
	}
	if ev == nil {
		return
	}

	s.applyEvent(ctx, ev)
	s.publish(*ev)
}

// applyEvent performs version bookkeeping for one change event. Events
// describing versions at or below the current head only drive UI feedback;
// they never regress state.
func (s *Session) applyEvent(ctx context.Context, ev *domain.ChangeEvent) {
	var payload domain.EventPayload
	if len(ev.Payload) > 0 {
		// Payload was validated by the normalizer.
		_ = json.Unmarshal(ev.Payload, &payload)
	}

	switch ev.Kind {
	case domain.EventPatchApplied, domain.EventVersionUpdated:
		s.advanceTo(ctx, payload.Version)

	case domain.EventAgentCompleted:
		s.advanceTo(ctx, payload.Version)
		s.setStatus(domain.StatusCompleted)

	case domain.EventAgentFailed:
		s.setStatus(domain.StatusFailed)

	case domain.EventAgentStarted:
		s.setStatus(domain.StatusGenerating)

	case domain.EventNodeLocked:
		s.setLocked(payload.NodeID, true)

	case domain.EventNodeUnlocked:
		s.setLocked(payload.NodeID, false)
	}
}

// advanceTo refetches and records the document when the announced version
// is ahead of the local head. Duplicate announcements across channels and
// stale late arrivals both land in the no-op branch.
func (s *Session) advanceTo(ctx context.Context, version int64) {
	s.mu.RLock()
	current := s.current
	itineraryID := s.itineraryID
	s.mu.RUnlock()
	if current == nil {
		return
	}
	if version != 0 && version <= current.Version {
		return
	}

	it, err := s.client.Itinerary(ctx, itineraryID)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("refetch after version announcement failed",
				slog.String("itinerary_id", itineraryID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if it.Version <= current.Version {
		return
	}

	if _, err := s.store.RecordChange(ctx, itineraryID, *it,
		domain.ChangePatch, "confirmed by backend", len(it.Days)); err != nil {
		s.logger.Warn("record confirmed version failed",
			slog.String("itinerary_id", itineraryID),
			slog.String("error", err.Error()),
		)
	}
	s.adoptDocument(it)
}

// adoptDocument installs a new authoritative document and resyncs clean
// edit scopes. The version check happens under the write lock: a slow
// fetch result must not overwrite a newer document another path already
// installed.
func (s *Session) adoptDocument(it *domain.Itinerary) {
	s.mu.Lock()
	if s.current != nil && s.current.ID == it.ID && it.Version <= s.current.Version {
		s.mu.Unlock()
		return
	}
	s.current = it
	coordinator := s.coordinator
	s.mu.Unlock()

	if coordinator != nil {
		for _, d := range it.Days {
			coordinator.SyncAuthoritative(d)
		}
	}
}

func (s *Session) setStatus(status domain.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.Status = status
	}
}

func (s *Session) setLocked(nodeID string, locked bool) {
	if nodeID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return
	}
	for di := range s.current.Days {
		for ai := range s.current.Days[di].Activities {
			if s.current.Days[di].Activities[ai].ID == nodeID {
				s.current.Days[di].Activities[ai].Locked = locked
				return
			}
		}
	}
}

// startFallbackPolling covers the gap after push channels go down
// terminally: status polling continues until the lifecycle resolves or the
// caller reconnects.
func (s *Session) startFallbackPolling(ctx context.Context) {
	s.mu.Lock()
	if s.pollCancel != nil || s.current == nil || s.current.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	s.pollCancel = cancel
	itineraryID := s.itineraryID
	s.mu.Unlock()

	p := poller.New(s.client, poller.WithLogger(s.logger), poller.WithInterval(s.pollInterval))
	go func() {
		defer func() {
			s.mu.Lock()
			s.pollCancel = nil
			s.mu.Unlock()
		}()

		it, err := p.Run(pollCtx, itineraryID, func(update *domain.Itinerary) {
			s.maybeAdoptPolled(pollCtx, update)
		})
		if pollCtx.Err() != nil {
			return
		}
		if err != nil {
			s.setStatus(domain.StatusFailed)
			s.publish(domain.ChangeEvent{
				Kind:        domain.EventAgentFailed,
				ItineraryID: itineraryID,
				Timestamp:   time.Now(),
			})
			return
		}
		s.maybeAdoptPolled(pollCtx, it)
		s.setStatus(domain.StatusCompleted)
		s.publish(domain.ChangeEvent{
			Kind:        domain.EventAgentCompleted,
			ItineraryID: itineraryID,
			Timestamp:   time.Now(),
		})
	}()
}

// maybeAdoptPolled records a polled document when it is ahead of the head.
func (s *Session) maybeAdoptPolled(ctx context.Context, it *domain.Itinerary) {
	s.mu.RLock()
	current := s.current
	itineraryID := s.itineraryID
	s.mu.RUnlock()
	if current == nil || it == nil || it.Version <= current.Version {
		return
	}
	if _, err := s.store.RecordChange(ctx, itineraryID, *it,
		domain.ChangePatch, "observed by status poll", len(it.Days)); err != nil {
		s.logger.Warn("record polled version failed", slog.String("error", err.Error()))
	}
	s.adoptDocument(it)
}

// Connected reports whether live push channels are currently open (or
// reconnecting). False after reconnect exhaustion until the next Connect.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.link != nil && s.link.Alive()
}

// Snapshot returns the merged, consistent document: the authoritative state
// with any unsaved per-day overlays applied.
func (s *Session) Snapshot() (*domain.Itinerary, bool) {
	s.mu.RLock()
	current := s.current
	coordinator := s.coordinator
	s.mu.RUnlock()
	if current == nil {
		return nil, false
	}

	merged := current.Clone()
	if coordinator != nil {
		for i, d := range merged.Days {
			merged.Days[i] = coordinator.MergedDay(d)
		}
	}
	return &merged, true
}

// Subscribe registers a change-event consumer. The fan-out is lossy for
// slow consumers; events are transient by contract. The returned func
// unsubscribes.
func (s *Session) Subscribe() (<-chan domain.ChangeEvent, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan domain.ChangeEvent, subscriberBuffer)
	s.subs[id] = ch
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *Session) publish(ev domain.ChangeEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// HandleDragEnd applies a local optimistic reorder for one day.
func (s *Session) HandleDragEnd(dayID string, orderedIDs []string) (bool, error) {
	c := s.coordinatorFor()
	if c == nil {
		return false, domain.ErrNotFound("no itinerary connected")
	}
	return c.HandleDragEnd(dayID, orderedIDs)
}

// SaveReorder submits the day's unsaved order and records the confirmed
// version.
func (s *Session) SaveReorder(ctx context.Context, dayID string) error {
	c := s.coordinatorFor()
	if c == nil {
		return domain.ErrNotFound("no itinerary connected")
	}
	refetched, err := c.SaveReorder(ctx, dayID)
	if err != nil {
		return err
	}
	if refetched != nil {
		s.maybeAdoptPolled(ctx, refetched)
	}
	return nil
}

// DiscardChanges drops the day's unsaved edits.
func (s *Session) DiscardChanges(dayID string) error {
	c := s.coordinatorFor()
	if c == nil {
		return domain.ErrNotFound("no itinerary connected")
	}
	c.Discard(dayID)
	return nil
}

// HasUnsavedChanges reports whether the day carries an unconfirmed edit.
func (s *Session) HasUnsavedChanges(dayID string) bool {
	if c := s.coordinatorFor(); c != nil {
		return c.HasUnsavedChanges(dayID)
	}
	return false
}

// IsReordering reports whether a save is in flight for the day.
func (s *Session) IsReordering(dayID string) bool {
	if c := s.coordinatorFor(); c != nil {
		return c.IsSaving(dayID)
	}
	return false
}

func (s *Session) coordinatorFor() *edit.Coordinator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.coordinator
}

// ApplyChangeSet validates a raw change set and forwards it to the backend.
// On acceptance the confirmed document is refetched and recorded, same as a
// patch announcement arriving over the push channel.
func (s *Session) ApplyChangeSet(ctx context.Context, itineraryID string, raw []byte) (*api.ApplyResult, error) {
	cs, err := changeset.Decode(raw)
	if err != nil {
		return nil, err
	}
	res, err := s.client.Apply(ctx, itineraryID, cs)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	active := s.itineraryID == itineraryID
	s.mu.RUnlock()
	if active {
		s.advanceTo(ctx, res.Version)
	}
	return res, nil
}

// ListRevisions returns the document's audit trail, oldest first.
func (s *Session) ListRevisions(ctx context.Context, itineraryID string) ([]domain.Revision, error) {
	return s.store.History(ctx, itineraryID)
}

// Diff returns the day-granularity change list between two versions.
func (s *Session) Diff(ctx context.Context, itineraryID string, from, to int64) ([]revision.DiffEntry, error) {
	return s.store.Diff(ctx, itineraryID, from, to)
}

// Restore sets a prior version's content as a new forward head version. The
// local revision store is the version authority; the backend is informed
// best-effort, and a backend failure does not undo the local restore.
func (s *Session) Restore(ctx context.Context, itineraryID string, version int64) (*domain.Itinerary, error) {
	restored, err := s.store.Restore(ctx, itineraryID, version)
	if err != nil {
		return nil, err
	}

	if _, err := s.client.Rollback(ctx, itineraryID, version); err != nil {
		s.logger.Warn("backend rollback failed after local restore",
			slog.String("itinerary_id", itineraryID),
			slog.Int64("version", version),
			slog.String("error", err.Error()),
		)
	}

	s.mu.RLock()
	active := s.itineraryID == itineraryID
	s.mu.RUnlock()
	if active {
		s.adoptDocument(restored)
	}

	s.publish(domain.ChangeEvent{
		Kind:        domain.EventVersionUpdated,
		ItineraryID: itineraryID,
		Timestamp:   time.Now(),
	})
	return restored, nil
}
