package recording

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iksnae/chat-harvest/internal"
	"github.com/iksnae/chat-harvest/internal/store"
)

// Config tunes the recording service.
type Config struct {
	// IdleTimeout is how long an open session may go without any event
	// (heartbeats included) before it is checkpointed and marked crashed.
	IdleTimeout time.Duration
	// FlushInterval bounds how long buffered events may stay unflushed.
	FlushInterval time.Duration
	// FlushThreshold flushes early once this many events are buffered.
	FlushThreshold int
}

// DefaultConfig matches a data-loss window of one flush interval.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:    5 * time.Minute,
		FlushInterval:  10 * time.Second,
		FlushThreshold: 50,
	}
}

// Service owns all live recording sessions. Each session is driven by
// its own goroutine reading from an inbound channel, so events for one
// session apply strictly in arrival order while independent sessions
// proceed without any shared lock.
type Service struct {
	store *store.Store
	cfg   Config
	log   zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*recordingSession
	subs     map[int]chan Event
	nextSub  int
	closed   bool

	wg sync.WaitGroup
}

// NewService creates a stopped-clean Service. Close must be called to
// flush and finalize anything still open.
func NewService(st *store.Store, cfg Config, log zerolog.Logger) *Service {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = DefaultConfig().FlushThreshold
	}
	return &Service{
		store:    st,
		cfg:      cfg,
		log:      log.With().Str("component", "recording").Logger(),
		sessions: make(map[string]*recordingSession),
		subs:     make(map[int]chan Event),
	}
}

type command struct {
	event    *Event
	producer string
	ack      bool // crashed -> finalized acknowledgement
	snapshot chan *internal.Session
	status   chan Status
	reply    chan error
}

type recordingSession struct {
	id    string
	inbox chan command
	done  chan struct{}
	quit  chan struct{}
}

// Submit applies one event on behalf of producer and waits for the
// session goroutine to accept or reject it. A second producer writing to
// a session already owned by another gets a ConcurrencyError.
func (s *Service) Submit(ctx context.Context, producer string, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.Type == EventHeartbeat && ev.SessionID == "" {
		return nil
	}

	rs, err := s.sessionFor(ev.SessionID, ev.Type == EventSessionStart || ev.Type == EventSnapshot)
	if err != nil {
		return err
	}

	cmd := command{event: &ev, producer: producer, reply: make(chan error, 1)}
	select {
	case rs.inbox <- cmd:
	case <-rs.done:
		return &internal.SequenceError{SessionID: ev.SessionID, Event: ev.Type}
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		if err == nil {
			s.broadcast(ev)
		}
		return err
	case <-rs.done:
		// The worker may have answered just before exiting.
		select {
		case err := <-cmd.reply:
			if err == nil {
				s.broadcast(ev)
			}
			return err
		default:
		}
		return &internal.SequenceError{SessionID: ev.SessionID, Event: ev.Type}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the full reconstructed state of a live session
// without advancing its state machine.
func (s *Service) Snapshot(ctx context.Context, sessionID string) (*internal.Session, error) {
	rs, err := s.sessionFor(sessionID, false)
	if err != nil {
		return nil, err
	}
	cmd := command{snapshot: make(chan *internal.Session, 1), reply: make(chan error, 1)}
	select {
	case rs.inbox <- cmd:
	case <-rs.done:
		return nil, &internal.SequenceError{SessionID: sessionID, Event: "snapshot"}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case session := <-cmd.snapshot:
		return session, nil
	case err := <-cmd.reply:
		return nil, err
	case <-rs.done:
		select {
		case session := <-cmd.snapshot:
			return session, nil
		case err := <-cmd.reply:
			return nil, err
		default:
		}
		return nil, &internal.SequenceError{SessionID: sessionID, Event: "snapshot"}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Acknowledge moves a crashed session to finalized after its checkpoint
// has been consumed.
func (s *Service) Acknowledge(ctx context.Context, sessionID string) error {
	rs, err := s.sessionFor(sessionID, false)
	if err != nil {
		return err
	}
	cmd := command{ack: true, reply: make(chan error, 1)}
	select {
	case rs.inbox <- cmd:
	case <-rs.done:
		return &internal.SequenceError{SessionID: sessionID, Event: "acknowledge"}
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-rs.done:
		select {
		case err := <-cmd.reply:
			return err
		default:
		}
		return &internal.SequenceError{SessionID: sessionID, Event: "acknowledge"}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sessions reports the status of every live recording session.
func (s *Service) Sessions(ctx context.Context) []Status {
	s.mu.RLock()
	live := make([]*recordingSession, 0, len(s.sessions))
	for _, rs := range s.sessions {
		live = append(live, rs)
	}
	s.mu.RUnlock()

	out := make([]Status, 0, len(live))
	for _, rs := range live {
		cmd := command{status: make(chan Status, 1)}
		select {
		case rs.inbox <- cmd:
		case <-rs.done:
			continue
		case <-ctx.Done():
			return out
		}
		select {
		case st := <-cmd.status:
			out = append(out, st)
		case <-rs.done:
		case <-ctx.Done():
			return out
		}
	}
	return out
}

// Subscribe returns a channel receiving every accepted event, for
// streaming consumers. The returned cancel func must be called when the
// consumer goes away.
func (s *Service) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, 64)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
}

func (s *Service) broadcast(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// slow consumer loses events rather than stalling producers
		}
	}
}

// Close flushes every live session and stops all workers.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	live := make([]*recordingSession, 0, len(s.sessions))
	for _, rs := range s.sessions {
		live = append(live, rs)
	}
	s.mu.Unlock()

	// Signal shutdown on a separate channel; producers keep sending to
	// the inbox right up to the moment they observe rs.done, so the
	// inbox itself is never closed.
	for _, rs := range live {
		close(rs.quit)
	}
	s.wg.Wait()

	s.mu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()
	return nil
}

func (s *Service) sessionFor(id string, create bool) (*recordingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, &internal.PersistenceError{Op: "submit", Key: id, Err: context.Canceled}
	}
	if rs, ok := s.sessions[id]; ok {
		return rs, nil
	}
	if !create {
		return nil, &internal.SequenceError{SessionID: id, Event: "event for unknown session"}
	}
	rs := &recordingSession{
		id:    id,
		inbox: make(chan command, 32),
		done:  make(chan struct{}),
		quit:  make(chan struct{}),
	}
	s.sessions[id] = rs
	s.wg.Add(1)
	go s.run(rs)
	return rs, nil
}

func (s *Service) remove(rs *recordingSession) {
	s.mu.Lock()
	delete(s.sessions, rs.id)
	s.mu.Unlock()
}
