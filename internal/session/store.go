package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"sentrydesk-backend/internal/models"
)

// API is the durable session/chat service the store coordinates against.
// Lifecycle operations return the updated session record; on failure the
// store's canonical state is left untouched.
type API interface {
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	ListMessages(ctx context.Context, sessionID uuid.UUID) ([]models.ChatMessage, error)
	SendMessage(ctx context.Context, msg *models.ChatMessage) (*models.ChatMessage, error)
	MarkRead(ctx context.Context, sessionID, readerID uuid.UUID) error

	Approve(ctx context.Context, id uuid.UUID, note string) (*models.Session, error)
	Reject(ctx context.Context, id uuid.UUID, note string) (*models.Session, error)
	MarkPaid(ctx context.Context, id uuid.UUID) (*models.Session, error)
	AssignExpert(ctx context.Context, id, expertID uuid.UUID) (*models.Session, error)
	Start(ctx context.Context, id uuid.UUID) (*models.Session, error)
	Complete(ctx context.Context, id uuid.UUID, summary string) (*models.Session, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Session, error)
	Extend(ctx context.Context, id uuid.UUID, until time.Time, reason string) (*models.Session, error)
	Rate(ctx context.Context, id uuid.UUID, score int, feedback string) (*models.Session, error)
}

// PushEvent is a best-effort live event on the push channel.
type PushEvent struct {
	Type    string              `json:"type"` // "message" | "session_updated"
	Message *models.ChatMessage `json:"message,omitempty"`
}

const (
	PushMessage        = "message"
	PushSessionUpdated = "session_updated"
)

// PushChannel is the persistent, low-latency, best-effort delivery path.
// Publish reports success but callers must not rely on delivery; the pull
// cycle compensates for gaps.
type PushChannel interface {
	Subscribe(ctx context.Context, sessionID uuid.UUID) (<-chan PushEvent, error)
	Publish(ctx context.Context, sessionID uuid.UUID, ev PushEvent) bool
}

// ConnectionState tells viewers which delivery channel is serving them.
type ConnectionState struct {
	Channel   string `json:"channel"` // "push" or "poll"
	Connected bool   `json:"connected"`
}

type EventType string

const (
	EventSession    EventType = "session"
	EventTranscript EventType = "transcript"
	EventCountdown  EventType = "countdown"
	EventConnection EventType = "connection"
	EventExpired    EventType = "expired"
	EventTeardown   EventType = "teardown"
)

// TranscriptEntry is a chat message plus the viewer-relative attribution.
type TranscriptEntry struct {
	models.ChatMessage
	Mine bool `json:"mine"`
}

// Event is what subscribed views receive. Session payloads are always whole
// records, never partial updates.
type Event struct {
	Type       EventType         `json:"type"`
	Session    *models.Session   `json:"session,omitempty"`
	Messages   []TranscriptEntry `json:"messages,omitempty"`
	Countdown  *Countdown        `json:"countdown,omitempty"`
	Connection *ConnectionState  `json:"connection,omitempty"`
}

// Subscriber is one attached view of a session (participant panel, admin
// panel, notification badge). Events are delivered best-effort: a viewer that
// cannot keep up drops events and is caught up by the next pull cycle.
type Subscriber struct {
	id       int
	ViewerID uuid.UUID
	Admin    bool
	Events   chan Event
}

func (sub *Subscriber) deliver(ev Event) {
	select {
	case sub.Events <- ev:
	default:
	}
}

// Store owns the canonical state of one session: the session record, the
// merged transcript, the countdown, and the subscriber registry. All state
// changes replace whole records and bump a generation counter; asynchronous
// work that completes against a stale generation is discarded.
type Store struct {
	sessionID uuid.UUID
	api       API
	push      PushChannel
	now       func() time.Time

	tickInterval time.Duration
	pullInterval time.Duration

	// fetch de-duplicates concurrent network loads per resource; concurrent
	// callers join the in-flight request.
	fetch singleflight.Group

	mu              sync.Mutex
	session         *models.Session
	gen             uint64
	transcript      *Transcript
	subs            map[int]*Subscriber
	nextSubID       int
	expiredNotified map[uuid.UUID]bool
	conn            ConnectionState
	loopCancel      context.CancelFunc
	tickRunning     bool
	tornDown        bool

	// OnExpired, when set, is invoked at most once per (session, viewer)
	// pair, for non-admin viewers only.
	OnExpired func(viewerID uuid.UUID)

	// OnTeardown is invoked once when the store shuts down (unauthorized or
	// explicit close).
	OnTeardown func()
}

func NewStore(sessionID uuid.UUID, api API, push PushChannel) *Store {
	return &Store{
		sessionID:       sessionID,
		api:             api,
		push:            push,
		now:             time.Now,
		tickInterval:    TickInterval,
		pullInterval:    PullInterval,
		transcript:      NewTranscript(),
		subs:            make(map[int]*Subscriber),
		expiredNotified: make(map[uuid.UUID]bool),
		conn:            ConnectionState{Channel: "poll", Connected: false},
	}
}

func (s *Store) SessionID() uuid.UUID { return s.sessionID }

// Session returns a copy of the canonical record, or nil before first load.
func (s *Store) Session() *models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Clone()
}

// Generation returns the current lifecycle generation.
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Countdown resolves the current remaining-time value.
func (s *Store) Countdown() Countdown {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ResolveCountdown(s.session, s.now())
}

// Connection reports which delivery channel is currently serving viewers.
func (s *Store) Connection() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Messages returns the transcript with attribution resolved for the viewer.
func (s *Store) Messages(viewerID uuid.UUID, viewerAdmin bool) []TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entriesLocked(viewerID, viewerAdmin)
}

func (s *Store) entriesLocked(viewerID uuid.UUID, viewerAdmin bool) []TranscriptEntry {
	msgs := s.transcript.Messages()
	entries := make([]TranscriptEntry, len(msgs))
	for i, m := range msgs {
		entries[i] = TranscriptEntry{ChatMessage: m, Mine: ViewerAuthored(m, viewerID, viewerAdmin)}
	}
	return entries
}

// ─── Attach / detach ───

// Attach loads the session (joining any in-flight fetch), registers a viewer
// and sends it an initial snapshot. The first viewer starts the tick, pull
// and push loops.
func (s *Store) Attach(ctx context.Context, viewerID uuid.UUID, admin bool) (*Subscriber, error) {
	if _, err := s.FetchSession(ctx); err != nil {
		return nil, err
	}
	// Initial transcript load is best-effort; the pull loop reconciles.
	if err := s.FetchMessages(ctx); err != nil {
		log.Printf("session %s: initial message fetch failed: %v", s.sessionID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tornDown {
		return nil, ErrGone
	}

	s.nextSubID++
	sub := &Subscriber{
		id:       s.nextSubID,
		ViewerID: viewerID,
		Admin:    admin,
		Events:   make(chan Event, 64),
	}
	s.subs[sub.id] = sub

	if len(s.subs) == 1 {
		s.startLoopsLocked()
	}

	sess := s.session.Clone()
	cd := ResolveCountdown(s.session, s.now())
	conn := s.conn
	sub.deliver(Event{Type: EventSession, Session: sess})
	sub.deliver(Event{Type: EventTranscript, Messages: s.entriesLocked(viewerID, admin)})
	sub.deliver(Event{Type: EventCountdown, Countdown: &cd})
	sub.deliver(Event{Type: EventConnection, Connection: &conn})

	if cd.Mode == CountdownExpired {
		s.fireExpiredLocked()
	}

	return sub, nil
}

// Detach removes a viewer. When the last viewer leaves, every background
// loop stops: no timer tick outlives its originating views.
func (s *Store) Detach(sub *Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[sub.id]; !ok {
		return
	}
	delete(s.subs, sub.id)
	close(sub.Events)

	if len(s.subs) == 0 {
		s.stopLoopsLocked()
	}
}

// Teardown stops all loops and notifies viewers. Used on unauthorized
// responses (credential teardown) and on shutdown.
func (s *Store) Teardown() {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return
	}
	s.tornDown = true
	s.stopLoopsLocked()
	for _, sub := range s.subs {
		sub.deliver(Event{Type: EventTeardown})
	}
	hook := s.OnTeardown
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
}

func (s *Store) startLoopsLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel
	s.tickRunning = true
	go s.tickLoop(ctx)
	go s.pullLoop(ctx)
	go s.pushLoop(ctx)
}

func (s *Store) stopLoopsLocked() {
	if s.loopCancel != nil {
		s.loopCancel()
		s.loopCancel = nil
	}
	s.tickRunning = false
	s.conn = ConnectionState{Channel: "poll", Connected: false}
}

// ─── Fetching (de-duplicated) ───

// FetchSession loads the canonical record from the durable service.
// Concurrent callers share one network call and receive the same record.
func (s *Store) FetchSession(ctx context.Context) (*models.Session, error) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	v, err, _ := s.fetch.Do("session", func() (interface{}, error) {
		return s.api.GetSession(ctx, s.sessionID)
	})
	if err != nil {
		s.handleFailure(err)
		return nil, err
	}

	sess := v.(*models.Session)
	s.applyFetchedSession(gen, sess)
	return sess.Clone(), nil
}

// applyFetchedSession installs a fetched record unless a lifecycle transition
// happened while the fetch was in flight; a stale response never reverts a
// newer state.
func (s *Store) applyFetchedSession(gen uint64, sess *models.Session) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.replaceSessionLocked(sess)
	s.mu.Unlock()
}

// FetchMessages pulls the authoritative transcript from the durable store
// and merges it. Concurrent pulls are de-duplicated.
func (s *Store) FetchMessages(ctx context.Context) error {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	v, err, _ := s.fetch.Do("messages", func() (interface{}, error) {
		return s.api.ListMessages(ctx, s.sessionID)
	})
	if err != nil {
		s.handleFailure(err)
		return err
	}

	msgs := v.([]models.ChatMessage)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		// Stale pull: the session moved on while the fetch was in flight.
		// The next cycle re-fetches against the new state.
		return nil
	}
	if s.transcript.UpsertAll(msgs) {
		s.broadcastTranscriptLocked()
	}
	return nil
}

// ─── Lifecycle commands ───
//
// Each command calls the durable service and, on success, atomically replaces
// the canonical record. Failures leave state untouched: lifecycle changes are
// billing-relevant and must be server-confirmed.

func (s *Store) Approve(ctx context.Context, note string) (*models.Session, error) {
	return s.applyCommand(s.api.Approve(ctx, s.sessionID, note))
}

func (s *Store) Reject(ctx context.Context, note string) (*models.Session, error) {
	return s.applyCommand(s.api.Reject(ctx, s.sessionID, note))
}

func (s *Store) MarkPaid(ctx context.Context) (*models.Session, error) {
	return s.applyCommand(s.api.MarkPaid(ctx, s.sessionID))
}

func (s *Store) AssignExpert(ctx context.Context, expertID uuid.UUID) (*models.Session, error) {
	updated, err := s.api.AssignExpert(ctx, s.sessionID, expertID)
	if errors.Is(err, ErrExpertAlreadyAssigned) {
		// Idempotent no-op; surface the sentinel with the current record.
		return s.Session(), err
	}
	return s.applyCommand(updated, err)
}

func (s *Store) Start(ctx context.Context) (*models.Session, error) {
	return s.applyCommand(s.api.Start(ctx, s.sessionID))
}

func (s *Store) Complete(ctx context.Context, summary string) (*models.Session, error) {
	return s.applyCommand(s.api.Complete(ctx, s.sessionID, summary))
}

func (s *Store) Cancel(ctx context.Context, reason string) (*models.Session, error) {
	return s.applyCommand(s.api.Cancel(ctx, s.sessionID, reason))
}

func (s *Store) Extend(ctx context.Context, until time.Time, reason string) (*models.Session, error) {
	return s.applyCommand(s.api.Extend(ctx, s.sessionID, until, reason))
}

func (s *Store) Rate(ctx context.Context, score int, feedback string) (*models.Session, error) {
	return s.applyCommand(s.api.Rate(ctx, s.sessionID, score, feedback))
}

func (s *Store) applyCommand(updated *models.Session, err error) (*models.Session, error) {
	if err != nil {
		s.handleFailure(err)
		return nil, err
	}

	s.mu.Lock()
	s.replaceSessionLocked(updated)
	s.mu.Unlock()

	// Announce the transition so stores on other instances re-fetch.
	s.push.Publish(context.Background(), s.sessionID, PushEvent{Type: PushSessionUpdated})

	return updated.Clone(), nil
}

// replaceSessionLocked is the only way canonical session state changes:
// whole-record replacement plus a generation bump, so no subscriber ever
// observes a torn record and no stale callback can apply afterwards.
func (s *Store) replaceSessionLocked(sess *models.Session) {
	prev := s.session
	s.session = sess.Clone()
	s.gen++

	now := s.now()
	prevCd := ResolveCountdown(prev, now)
	cd := ResolveCountdown(s.session, now)

	// An admin extension that reopens an expired window re-arms the
	// expiration notification for every viewer.
	if prevCd.Mode == CountdownExpired && cd.Mode != CountdownExpired {
		s.expiredNotified = make(map[uuid.UUID]bool)
	}

	s.broadcastLocked(Event{Type: EventSession, Session: s.session.Clone()})
	s.broadcastLocked(Event{Type: EventCountdown, Countdown: &cd})

	if cd.Mode == CountdownExpired {
		s.fireExpiredLocked()
	}

	// A countdown that became meaningful again needs the tick loop back.
	if cd.Mode == CountdownRunning && !s.tickRunning && len(s.subs) > 0 {
		s.startTickLocked()
	}
}

func (s *Store) startTickLocked() {
	if s.loopCancel == nil {
		s.startLoopsLocked()
		return
	}
	s.tickRunning = true
	ctx, cancel := context.WithCancel(context.Background())
	prev := s.loopCancel
	s.loopCancel = func() { prev(); cancel() }
	go s.tickLoop(ctx)
}

// ─── Messaging ───

// SendMessage implements the dual-channel send protocol: a best-effort push
// for low-latency echo, then an unconditional durable persist. Only a durable
// failure surfaces to the sender; a push failure is absorbed and compensated
// by the next pull cycle.
func (s *Store) SendMessage(ctx context.Context, viewerID uuid.UUID, viewerAdmin bool, content, messageType string) (*models.ChatMessage, error) {
	if content == "" {
		return nil, NewValidationError("content", "content is required")
	}
	if messageType == "" {
		messageType = models.MessageTypeText
	}

	s.mu.Lock()
	if err := s.canSendLocked(viewerAdmin); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	role := s.senderRoleLocked(viewerID, viewerAdmin)
	s.mu.Unlock()

	sender := viewerID
	msg := &models.ChatMessage{
		ID:           uuid.New(),
		SessionID:    s.sessionID,
		Sender:       role,
		SenderUserID: &sender,
		Content:      content,
		MessageType:  messageType,
		CreatedAt:    s.now().UTC(),
	}

	// Push first: other participants see the message immediately when the
	// channel happens to deliver. No acknowledgement, no retry.
	s.push.Publish(ctx, s.sessionID, PushEvent{Type: PushMessage, Message: msg})

	stored, err := s.api.SendMessage(ctx, msg)
	if err != nil {
		s.handleFailure(err)
		return nil, err
	}

	s.applyMessage(*stored)

	// Read-state and reconciliation are side effects; they never block the
	// send result.
	go func() {
		bg := context.Background()
		if err := s.api.MarkRead(bg, s.sessionID, viewerID); err != nil {
			log.Printf("session %s: mark read failed: %v", s.sessionID, err)
		}
		if err := s.FetchMessages(bg); err != nil {
			log.Printf("session %s: post-send pull failed: %v", s.sessionID, err)
		}
	}()

	return stored, nil
}

// CanSend reports whether the viewer may currently send messages.
func (s *Store) CanSend(viewerAdmin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canSendLocked(viewerAdmin)
}

// canSendLocked enforces the terminal-status gate: non-admin viewers cannot
// write into a COMPLETED/CANCELLED/EXPIRED session unless an admin extension
// (or the unlimited admin-managed mode) is currently in effect.
func (s *Store) canSendLocked(viewerAdmin bool) error {
	if s.session == nil {
		return ErrNotFound
	}
	if viewerAdmin {
		return nil
	}
	switch s.session.Status {
	case models.StatusCompleted, models.StatusCancelled, models.StatusExpired:
		cd := ResolveCountdown(s.session, s.now())
		if cd.Mode == CountdownRunning || cd.Mode == CountdownUnlimited {
			return nil
		}
		return ErrGone
	}
	return nil
}

// senderRoleLocked picks the role label. The session's expert and any admin
// write under the EXPERT label; attribution for "mine" rendering relies on
// sender_user_id instead.
func (s *Store) senderRoleLocked(viewerID uuid.UUID, viewerAdmin bool) models.SenderRole {
	if viewerAdmin {
		return models.SenderExpert
	}
	if s.session != nil && s.session.ExpertID != nil && *s.session.ExpertID == viewerID {
		return models.SenderExpert
	}
	return models.SenderUser
}

// MarkRead records read-state against the durable store. Fire-and-forget from
// the caller's perspective; rendering never waits on it.
func (s *Store) MarkRead(ctx context.Context, viewerID uuid.UUID) error {
	return s.api.MarkRead(ctx, s.sessionID, viewerID)
}

func (s *Store) applyMessage(msg models.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transcript.Upsert(msg) {
		s.broadcastTranscriptLocked()
	}
}

// ─── Background loops ───

// tickLoop re-evaluates the countdown every tick while one is meaningful and
// stops once there is nothing left to count, so no stale tick can fire after
// a terminal state settles.
func (s *Store) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !s.evaluateTick() {
			s.mu.Lock()
			s.tickRunning = false
			s.mu.Unlock()
			return
		}
	}
}

// evaluateTick snapshots state, resolves the countdown outside the lock and
// applies the result only if the generation is unchanged. Returns false when
// ticking should stop.
func (s *Store) evaluateTick() bool {
	s.mu.Lock()
	sess := s.session
	gen := s.gen
	s.mu.Unlock()

	if sess == nil {
		return true
	}

	cd := ResolveCountdown(sess, s.now())
	return s.applyTick(gen, cd)
}

func (s *Store) applyTick(gen uint64, cd Countdown) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		// A lifecycle transition landed while this tick was being computed;
		// discard it rather than contradict the newer state.
		return true
	}

	switch cd.Mode {
	case CountdownRunning:
		s.broadcastLocked(Event{Type: EventCountdown, Countdown: &cd})
		return true
	case CountdownExpired:
		s.broadcastLocked(Event{Type: EventCountdown, Countdown: &cd})
		s.fireExpiredLocked()
		return false
	case CountdownUnlimited, CountdownNone:
		return !s.sessionTerminalLocked()
	}
	return true
}

func (s *Store) sessionTerminalLocked() bool {
	return s.session != nil && s.session.Status.Terminal()
}

// fireExpiredLocked delivers the expired event to non-admin viewers, at most
// once per (session, viewer) pair. Admin viewers never receive it.
func (s *Store) fireExpiredLocked() {
	for _, sub := range s.subs {
		if sub.Admin || s.expiredNotified[sub.ViewerID] {
			continue
		}
		s.expiredNotified[sub.ViewerID] = true
		sub.deliver(Event{Type: EventExpired})
		if s.OnExpired != nil {
			go s.OnExpired(sub.ViewerID)
		}
	}
}

// pullLoop periodically reconciles the transcript against the durable store
// while the session is live, covering any push delivery gaps.
func (s *Store) pullLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		sess := s.session
		s.mu.Unlock()
		if sess == nil {
			continue
		}

		cd := ResolveCountdown(sess, s.now())
		if sess.Status != models.StatusActive && cd.Mode != CountdownRunning && cd.Mode != CountdownUnlimited {
			continue
		}

		if err := s.FetchMessages(ctx); err != nil {
			log.Printf("session %s: pull reconciliation failed: %v", s.sessionID, err)
		}
	}
}

// pushLoop consumes the live channel. Loss of the push channel degrades to
// poll-only delivery; it is never an error surfaced to viewers.
func (s *Store) pushLoop(ctx context.Context) {
	ch, err := s.push.Subscribe(ctx, s.sessionID)
	if err != nil {
		log.Printf("session %s: push subscribe failed, poll only: %v", s.sessionID, err)
		s.setConnection(ConnectionState{Channel: "poll", Connected: true})
		return
	}

	s.setConnection(ConnectionState{Channel: "push", Connected: true})

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				s.setConnection(ConnectionState{Channel: "poll", Connected: true})
				return
			}
			switch ev.Type {
			case PushMessage:
				if ev.Message != nil {
					s.applyMessage(*ev.Message)
				}
			case PushSessionUpdated:
				go func() {
					if _, err := s.FetchSession(context.Background()); err != nil {
						log.Printf("session %s: refresh after push update failed: %v", s.sessionID, err)
					}
				}()
			}
		}
	}
}

func (s *Store) setConnection(conn ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.broadcastLocked(Event{Type: EventConnection, Connection: &conn})
}

func (s *Store) broadcastLocked(ev Event) {
	for _, sub := range s.subs {
		sub.deliver(ev)
	}
}

// broadcastTranscriptLocked re-renders the transcript per viewer so the
// "mine" attribution is resolved against each viewer's own identity.
func (s *Store) broadcastTranscriptLocked() {
	for _, sub := range s.subs {
		sub.deliver(Event{Type: EventTranscript, Messages: s.entriesLocked(sub.ViewerID, sub.Admin)})
	}
}

// handleFailure applies the propagation policy: unauthorized tears the store
// down; everything else leaves canonical state untouched for the caller to
// surface.
func (s *Store) handleFailure(err error) {
	if errors.Is(err, ErrUnauthorized) {
		s.Teardown()
	}
}
