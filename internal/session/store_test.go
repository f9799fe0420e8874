package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"sentrydesk-backend/internal/models"
)

// ─── Fakes ───

type fakeAPI struct {
	mu         sync.Mutex
	session    *models.Session
	messages   []models.ChatMessage
	getCalls   int32
	getDelay   time.Duration
	getErr     error
	listErr    error
	sendErr    error
	commandErr error
	markReads  int32
}

func (f *fakeAPI) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	atomic.AddInt32(&f.getCalls, 1)
	if f.getDelay > 0 {
		time.Sleep(f.getDelay)
	}
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session.Clone(), nil
}

func (f *fakeAPI) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]models.ChatMessage, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.ChatMessage, len(f.messages))
	copy(out, f.messages)
	return out, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, msg *models.ChatMessage) (*models.ChatMessage, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := *msg
	f.messages = append(f.messages, stored)
	return &stored, nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, sessionID, readerID uuid.UUID) error {
	atomic.AddInt32(&f.markReads, 1)
	return nil
}

func (f *fakeAPI) transition(mutate func(s *models.Session)) (*models.Session, error) {
	if f.commandErr != nil {
		return nil, f.commandErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	mutate(f.session)
	return f.session.Clone(), nil
}

func (f *fakeAPI) Approve(ctx context.Context, id uuid.UUID, note string) (*models.Session, error) {
	return f.transition(func(s *models.Session) { s.Status = models.StatusPaymentRequired })
}

func (f *fakeAPI) Reject(ctx context.Context, id uuid.UUID, note string) (*models.Session, error) {
	return f.transition(func(s *models.Session) { s.Status = models.StatusRejected })
}

func (f *fakeAPI) MarkPaid(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return f.transition(func(s *models.Session) {
		s.Status = models.StatusPaid
		s.PaymentStatus = models.PaymentPaid
	})
}

func (f *fakeAPI) AssignExpert(ctx context.Context, id, expertID uuid.UUID) (*models.Session, error) {
	f.mu.Lock()
	already := f.session.ExpertID != nil
	f.mu.Unlock()
	if already {
		return nil, ErrExpertAlreadyAssigned
	}
	return f.transition(func(s *models.Session) {
		s.ExpertID = &expertID
		s.Status = models.StatusAssigned
	})
}

func (f *fakeAPI) Start(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return f.transition(func(s *models.Session) {
		s.Status = models.StatusActive
		if s.TimerStartedAt == nil {
			now := time.Now().UTC()
			s.TimerStartedAt = &now
		}
	})
}

func (f *fakeAPI) Complete(ctx context.Context, id uuid.UUID, summary string) (*models.Session, error) {
	return f.transition(func(s *models.Session) { s.Status = models.StatusCompleted })
}

func (f *fakeAPI) Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Session, error) {
	return f.transition(func(s *models.Session) { s.Status = models.StatusCancelled })
}

func (f *fakeAPI) Extend(ctx context.Context, id uuid.UUID, until time.Time, reason string) (*models.Session, error) {
	return f.transition(func(s *models.Session) {
		s.AdminExtendedUntil = &until
		s.ExtensionReason = &reason
		s.IsExpired = false
	})
}

func (f *fakeAPI) Rate(ctx context.Context, id uuid.UUID, score int, feedback string) (*models.Session, error) {
	return f.transition(func(s *models.Session) {
		s.Rating = &score
		s.Feedback = &feedback
	})
}

type fakePush struct {
	mu        sync.Mutex
	published []PushEvent
	failSend  bool
}

func (f *fakePush) Subscribe(ctx context.Context, sessionID uuid.UUID) (<-chan PushEvent, error) {
	ch := make(chan PushEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (f *fakePush) Publish(ctx context.Context, sessionID uuid.UUID, ev PushEvent) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, ev)
	return !f.failSend
}

func (f *fakePush) messagesPublished() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.published {
		if ev.Type == PushMessage {
			n++
		}
	}
	return n
}

// ─── Helpers ───

func newTestStore(sess *models.Session) (*Store, *fakeAPI, *fakePush) {
	api := &fakeAPI{session: sess}
	push := &fakePush{}
	st := NewStore(sess.ID, api, push)
	st.mu.Lock()
	st.session = sess.Clone()
	st.mu.Unlock()
	return st, api, push
}

// addTestSub registers a viewer without spinning up the background loops, so
// ticks can be driven deterministically.
func addTestSub(st *Store, viewerID uuid.UUID, admin bool) *Subscriber {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.nextSubID++
	sub := &Subscriber{id: st.nextSubID, ViewerID: viewerID, Admin: admin, Events: make(chan Event, 64)}
	st.subs[sub.id] = sub
	return sub
}

func drainEvents(sub *Subscriber, eventType EventType) int {
	n := 0
	for {
		select {
		case ev := <-sub.Events:
			if ev.Type == eventType {
				n++
			}
		default:
			return n
		}
	}
}

// ─── Send protocol ───

func TestStore_SendMessage_DurableFailureSurfaces(t *testing.T) {
	sess := activeSession(30, time.Now().UTC())
	st, api, push := newTestStore(sess)
	api.sendErr = &NetworkError{Err: errors.New("connection reset")}

	viewer := uuid.New()
	_, err := st.SendMessage(context.Background(), viewer, false, "are we secure?", "")
	if err == nil {
		t.Fatal("Expected an error when durable persistence fails")
	}
	if push.messagesPublished() != 1 {
		t.Errorf("Expected the push attempt to have happened, got %d publishes", push.messagesPublished())
	}
	if st.Messages(viewer, false) != nil && len(st.Messages(viewer, false)) != 0 {
		t.Error("Transcript must not contain a message that failed to persist")
	}
}

func TestStore_SendMessage_PushFailureSilent(t *testing.T) {
	sess := activeSession(30, time.Now().UTC())
	st, _, push := newTestStore(sess)
	push.failSend = true

	viewer := uuid.New()
	msg, err := st.SendMessage(context.Background(), viewer, false, "hello", "")
	if err != nil {
		t.Fatalf("Push failure alone must not surface: %v", err)
	}
	if msg == nil || msg.Content != "hello" {
		t.Fatal("Expected the persisted message back")
	}

	entries := st.Messages(viewer, false)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 transcript entry, got %d", len(entries))
	}
	if !entries[0].Mine {
		t.Error("Sender's own message should be attributed to them")
	}
}

func TestStore_SendMessage_TerminalGate(t *testing.T) {
	future := time.Now().Add(2 * time.Hour)

	tests := []struct {
		name    string
		mutate  func(s *models.Session)
		admin   bool
		allowed bool
	}{
		{"expired blocks participant", func(s *models.Session) { s.Status = models.StatusExpired }, false, false},
		{"completed blocks participant", func(s *models.Session) { s.Status = models.StatusCompleted }, false, false},
		{"cancelled blocks participant", func(s *models.Session) { s.Status = models.StatusCancelled }, false, false},
		{"admin writes into expired", func(s *models.Session) { s.Status = models.StatusExpired }, true, true},
		{"extension reopens expired", func(s *models.Session) {
			s.Status = models.StatusExpired
			s.AdminExtendedUntil = &future
		}, false, true},
		{"active allows participant", func(s *models.Session) {}, false, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sess := activeSession(30, time.Now().UTC())
			tc.mutate(sess)
			st, _, _ := newTestStore(sess)

			_, err := st.SendMessage(context.Background(), uuid.New(), tc.admin, "msg", "")
			if tc.allowed && err != nil {
				t.Errorf("Expected send to be allowed, got %v", err)
			}
			if !tc.allowed {
				if !errors.Is(err, ErrGone) {
					t.Errorf("Expected ErrGone, got %v", err)
				}
			}
		})
	}
}

func TestStore_SendMessage_AdminGetsExpertLabel(t *testing.T) {
	sess := activeSession(30, time.Now().UTC())
	st, _, _ := newTestStore(sess)

	admin := uuid.New()
	msg, err := st.SendMessage(context.Background(), admin, true, "we are on it", "")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if msg.Sender != models.SenderExpert {
		t.Errorf("Expected admin message labelled EXPERT, got %s", msg.Sender)
	}
	if msg.SenderUserID == nil || *msg.SenderUserID != admin {
		t.Error("Expected sender_user_id to carry the admin's literal identity")
	}
}

// ─── Reconciliation ───

func TestStore_PushThenPullCollapsesToOneEntry(t *testing.T) {
	sess := activeSession(30, time.Now().UTC())
	st, api, _ := newTestStore(sess)

	viewer := uuid.New()
	msg := models.ChatMessage{
		ID:          uuid.New(),
		SessionID:   sess.ID,
		Sender:      models.SenderExpert,
		Content:     "patch now",
		MessageType: models.MessageTypeText,
		CreatedAt:   time.Now().UTC(),
	}

	// Arrives via push first.
	st.applyMessage(msg)
	// Then the durable store returns the same record on pull.
	api.messages = []models.ChatMessage{msg}
	if err := st.FetchMessages(context.Background()); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}

	entries := st.Messages(viewer, false)
	if len(entries) != 1 {
		t.Fatalf("Expected exactly one transcript entry, got %d", len(entries))
	}
	if entries[0].ID != msg.ID {
		t.Errorf("Expected entry %s, got %s", msg.ID, entries[0].ID)
	}
}

func TestStore_ConcurrentFetchSharesOneCall(t *testing.T) {
	sess := activeSession(30, time.Now().UTC())
	st, api, _ := newTestStore(sess)
	api.getDelay = 50 * time.Millisecond

	var wg sync.WaitGroup
	results := make([]*models.Session, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := st.FetchSession(context.Background())
			if err != nil {
				t.Errorf("Fetch %d failed: %v", i, err)
				return
			}
			results[i] = got
		}(i)
	}
	wg.Wait()

	if calls := atomic.LoadInt32(&api.getCalls); calls != 1 {
		t.Errorf("Expected a single network call, got %d", calls)
	}
	if results[0] == nil || results[1] == nil || results[0].ID != results[1].ID {
		t.Error("Both callers must receive the same resolved record")
	}
}

// ─── Expiration ───

func TestStore_ExpiredFiresOncePerViewer(t *testing.T) {
	started := time.Now().UTC().Add(-time.Hour)
	sess := activeSession(30, started)
	st, _, _ := newTestStore(sess)

	var fired int32
	st.OnExpired = func(viewerID uuid.UUID) { atomic.AddInt32(&fired, 1) }

	viewer := uuid.New()
	sub := addTestSub(st, viewer, false)

	// The tick keeps running past zero; the callback must not re-trigger.
	for i := 0; i < 5; i++ {
		st.evaluateTick()
	}

	if n := drainEvents(sub, EventExpired); n != 1 {
		t.Errorf("Expected exactly one expired event, got %d", n)
	}

	deadline := time.After(time.Second)
	for atomic.LoadInt32(&fired) == 0 {
		select {
		case <-deadline:
			t.Fatal("OnExpired was never invoked")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if n := atomic.LoadInt32(&fired); n != 1 {
		t.Errorf("Expected OnExpired once, got %d", n)
	}
}

func TestStore_AdminViewerNeverGetsExpired(t *testing.T) {
	started := time.Now().UTC().Add(-time.Hour)
	sess := activeSession(30, started)
	st, _, _ := newTestStore(sess)

	sub := addTestSub(st, uuid.New(), true)
	for i := 0; i < 3; i++ {
		st.evaluateTick()
	}

	if n := drainEvents(sub, EventExpired); n != 0 {
		t.Errorf("Admin viewers must not receive expired events, got %d", n)
	}
}

func TestStore_AdminManagedNeverExpires(t *testing.T) {
	started := time.Now().UTC().Add(-1000 * time.Hour)
	sess := activeSession(30, started)
	sess.IsAdminManaged = true
	st, _, _ := newTestStore(sess)

	var fired int32
	st.OnExpired = func(viewerID uuid.UUID) { atomic.AddInt32(&fired, 1) }
	sub := addTestSub(st, uuid.New(), false)

	for i := 0; i < 10; i++ {
		st.evaluateTick()
	}

	if n := drainEvents(sub, EventExpired); n != 0 {
		t.Errorf("Admin-managed session must never expire, got %d events", n)
	}
	if atomic.LoadInt32(&fired) != 0 {
		t.Error("OnExpired must never fire for an unlimited session")
	}
}

func TestStore_ExtensionReArmsExpiration(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	var clockMu sync.Mutex

	started := now.Add(-time.Hour)
	sess := activeSession(30, started)
	sess.Status = models.StatusExpired
	st, _, _ := newTestStore(sess)
	st.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}

	viewer := uuid.New()
	sub := addTestSub(st, viewer, false)

	// First expiry.
	st.evaluateTick()
	if n := drainEvents(sub, EventExpired); n != 1 {
		t.Fatalf("Expected initial expired event, got %d", n)
	}

	// Admin extends by two hours: the viewer can resume sending.
	until := now.Add(2 * time.Hour)
	if _, err := st.Extend(context.Background(), until, "incident follow-up"); err != nil {
		t.Fatalf("Extend failed: %v", err)
	}
	if err := st.CanSend(false); err != nil {
		t.Fatalf("Expected sending to reopen under extension, got %v", err)
	}

	// Not expired while the override is in the future.
	st.evaluateTick()
	if n := drainEvents(sub, EventExpired); n != 0 {
		t.Fatalf("Expired must not refire during the extension, got %d", n)
	}

	// Once the new override elapses it fires again, once.
	clockMu.Lock()
	clock = until.Add(time.Minute)
	clockMu.Unlock()
	st.evaluateTick()
	st.evaluateTick()
	if n := drainEvents(sub, EventExpired); n != 1 {
		t.Errorf("Expected exactly one expired event after the extension elapsed, got %d", n)
	}
}

// ─── Generation guarding ───

func TestStore_StaleTickDiscardedAfterComplete(t *testing.T) {
	started := time.Now().UTC().Add(-time.Hour)
	sess := activeSession(30, started)
	st, _, _ := newTestStore(sess)

	viewer := uuid.New()
	sub := addTestSub(st, viewer, false)

	// A tick from the old generation is "in flight": its countdown was
	// computed against the ACTIVE record.
	staleGen := st.Generation()
	staleCd := ResolveCountdown(st.Session(), st.now())
	if staleCd.Mode != CountdownExpired {
		t.Fatalf("Test setup: expected expired countdown, got %s", staleCd.Mode)
	}

	// The complete command lands first.
	if _, err := st.Complete(context.Background(), "resolved"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	drainEvents(sub, EventExpired)

	// The stale tick now resolves; it must be discarded.
	st.applyTick(staleGen, staleCd)

	if n := drainEvents(sub, EventExpired); n != 0 {
		t.Errorf("Stale tick must not fire expiration, got %d events", n)
	}
	if got := st.Session().Status; got != models.StatusCompleted {
		t.Errorf("Expected final status COMPLETED, got %s", got)
	}
}

func TestStore_CommandFailureLeavesStateUntouched(t *testing.T) {
	sess := activeSession(30, time.Now().UTC())
	st, api, _ := newTestStore(sess)
	api.commandErr = &NetworkError{Err: errors.New("timeout")}

	before := st.Session()
	genBefore := st.Generation()

	if _, err := st.Complete(context.Background(), ""); err == nil {
		t.Fatal("Expected the command to fail")
	}
	if !Retryable(api.commandErr) {
		t.Error("Network failures on lifecycle commands must be retryable")
	}

	after := st.Session()
	if after.Status != before.Status {
		t.Errorf("Status changed on failure: %s -> %s", before.Status, after.Status)
	}
	if st.Generation() != genBefore {
		t.Error("Generation must not advance on a failed command")
	}
}

func TestStore_AssignExpertIdempotent(t *testing.T) {
	sess := activeSession(30, time.Now().UTC())
	expert := uuid.New()
	sess.ExpertID = &expert
	st, _, _ := newTestStore(sess)

	got, err := st.AssignExpert(context.Background(), uuid.New())
	if !errors.Is(err, ErrExpertAlreadyAssigned) {
		t.Fatalf("Expected ErrExpertAlreadyAssigned, got %v", err)
	}
	if got == nil || got.ExpertID == nil || *got.ExpertID != expert {
		t.Error("Expected the existing assignment to stand")
	}
}

func TestStore_UnauthorizedTearsDown(t *testing.T) {
	sess := activeSession(30, time.Now().UTC())
	st, api, _ := newTestStore(sess)
	api.getErr = ErrUnauthorized

	tornDown := false
	st.OnTeardown = func() { tornDown = true }

	if _, err := st.FetchSession(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Expected ErrUnauthorized, got %v", err)
	}
	if !tornDown {
		t.Error("Unauthorized must tear the store down")
	}

	// Torn-down stores refuse new viewers.
	api.getErr = nil
	if _, err := st.Attach(context.Background(), uuid.New(), false); !errors.Is(err, ErrGone) {
		t.Errorf("Expected ErrGone after teardown, got %v", err)
	}
}

// ─── Attach / detach lifecycle ───

func TestStore_AttachDetachStopsLoops(t *testing.T) {
	sess := activeSession(30, time.Now().UTC())
	st, _, _ := newTestStore(sess)
	st.tickInterval = 10 * time.Millisecond
	st.pullInterval = 10 * time.Millisecond

	viewer := uuid.New()
	sub, err := st.Attach(context.Background(), viewer, false)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	// The initial snapshot must arrive without waiting for any loop.
	var sawSession, sawTranscript, sawCountdown bool
	timeout := time.After(time.Second)
	for !(sawSession && sawTranscript && sawCountdown) {
		select {
		case ev := <-sub.Events:
			switch ev.Type {
			case EventSession:
				sawSession = true
			case EventTranscript:
				sawTranscript = true
			case EventCountdown:
				sawCountdown = true
			}
		case <-timeout:
			t.Fatal("Timed out waiting for the initial snapshot")
		}
	}

	st.Detach(sub)

	st.mu.Lock()
	loopsStopped := st.loopCancel == nil
	st.mu.Unlock()
	if !loopsStopped {
		t.Error("Detaching the last viewer must stop the background loops")
	}
}
