package recording

import (
	"context"
	"time"

	"github.com/iksnae/chat-harvest/internal"
)

// worker state for one recording session, touched only by its goroutine.
type sessionState struct {
	session   *internal.Session
	index     map[string]int // message id -> position in session.Messages
	state     State
	producer  string
	startedAt time.Time
	lastEvent time.Time
	lastFlush time.Time
	dirty     bool
	pending   int
}

func (s *Service) run(rs *recordingSession) {
	defer s.wg.Done()
	defer s.drainInbox(rs)
	defer close(rs.done)
	defer s.remove(rs)

	st := &sessionState{
		index:     make(map[string]int),
		startedAt: time.Now(),
		lastEvent: time.Now(),
		lastFlush: time.Now(),
	}

	tick := s.cfg.FlushInterval
	if s.cfg.IdleTimeout < tick {
		tick = s.cfg.IdleTimeout
	}
	tick /= 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-rs.inbox:
			if done := s.handle(rs, st, cmd); done {
				return
			}
		case <-rs.quit:
			if st.dirty {
				s.flush(st)
			}
			return
		case <-ticker.C:
			now := time.Now()
			if st.state == StateOpen && now.Sub(st.lastEvent) > s.cfg.IdleTimeout {
				s.crash(st, now.Sub(st.lastEvent))
				continue
			}
			if st.dirty && (now.Sub(st.lastFlush) >= s.cfg.FlushInterval || st.pending >= s.cfg.FlushThreshold) {
				s.flush(st)
			}
		}
	}
}

// drainInbox answers commands that were queued behind the one that ended
// the session. Runs after rs.done is closed, so anything enqueued later
// finds the done channel instead of an empty inbox.
func (s *Service) drainInbox(rs *recordingSession) {
	for {
		select {
		case cmd := <-rs.inbox:
			if cmd.reply != nil {
				cmd.reply <- &internal.SequenceError{SessionID: rs.id, Event: "session already finalized"}
			}
		default:
			return
		}
	}
}

// handle applies one command; returns true when the worker should exit.
func (s *Service) handle(rs *recordingSession, st *sessionState, cmd command) bool {
	switch {
	case cmd.status != nil:
		cmd.status <- s.statusOf(rs.id, st)
		return false
	case cmd.snapshot != nil:
		if st.session == nil {
			cmd.reply <- &internal.SequenceError{SessionID: rs.id, Event: "snapshot before session_start"}
			return false
		}
		cmd.snapshot <- cloneSession(st.session)
		return false
	case cmd.ack:
		if st.state != StateCrashed {
			cmd.reply <- &internal.SequenceError{SessionID: rs.id, Event: "acknowledge in state " + string(st.state)}
			return false
		}
		st.state = StateFinalized
		if st.session != nil {
			st.session.Partial = false
			st.dirty = true
			s.flush(st)
		}
		cmd.reply <- nil
		return true
	}

	ev := cmd.event
	if st.producer == "" {
		st.producer = cmd.producer
	} else if cmd.producer != st.producer {
		cmd.reply <- &internal.ConcurrencyError{Resource: "recording session " + rs.id, Holder: st.producer}
		return false
	}

	err := s.apply(rs.id, st, ev)
	cmd.reply <- err
	if err != nil {
		return false
	}
	st.lastEvent = time.Now()

	if st.state == StateFinalized {
		s.flush(st)
		return true
	}
	if st.pending >= s.cfg.FlushThreshold {
		s.flush(st)
	}
	return false
}

func (s *Service) apply(id string, st *sessionState, ev *Event) error {
	now := time.Now().UnixMilli()

	switch ev.Type {
	case EventSessionStart:
		if st.session != nil {
			return &internal.SequenceError{SessionID: id, Event: "session_start for live session"}
		}
		provider := ev.Provider
		if provider == "" {
			provider = "recording"
		}
		st.session = &internal.Session{
			ID:        id,
			Title:     ev.Title,
			Provider:  provider,
			Workspace: ev.WorkspaceID,
			CreatedAt: now,
			UpdatedAt: now,
			Partial:   true,
			Metadata:  internal.Metadata{Model: ev.Model},
		}
		st.state = StateOpen
		st.dirty = true
		st.pending++
		return nil

	case EventSnapshot:
		provider := ev.Provider
		if provider == "" {
			provider = "recording"
		}
		session := &internal.Session{
			ID:        id,
			Title:     ev.Title,
			Provider:  provider,
			CreatedAt: now,
			UpdatedAt: now,
			Partial:   true,
		}
		if st.session != nil {
			session.CreatedAt = st.session.CreatedAt
			session.Workspace = st.session.Workspace
			session.Metadata = st.session.Metadata
		}
		index := make(map[string]int, len(ev.Messages))
		for i, sm := range ev.Messages {
			session.Messages = append(session.Messages, internal.Message{
				ID:        sm.MessageID,
				SessionID: id,
				Role:      sm.Role,
				Content:   sm.Content,
				Timestamp: sm.CreatedAt,
				Sequence:  i,
			})
			index[sm.MessageID] = i
		}
		st.session = session
		st.index = index
		st.state = StateOpen
		st.dirty = true
		st.pending++
		return nil
	}

	if st.session == nil {
		return &internal.SequenceError{SessionID: id, Event: ev.Type + " before session_start"}
	}
	if st.state != StateOpen {
		return &internal.SequenceError{SessionID: id, Event: ev.Type + " in state " + string(st.state)}
	}

	switch ev.Type {
	case EventHeartbeat:
		return nil

	case EventSessionUpdate:
		if ev.Title != "" {
			st.session.Title = ev.Title
		}
		if ev.Model != "" {
			st.session.Metadata.Model = ev.Model
		}
		st.session.UpdatedAt = now
		st.dirty = true
		return nil

	case EventMessageAdd:
		if _, exists := st.index[ev.MessageID]; exists {
			return &internal.SequenceError{SessionID: id, MessageID: ev.MessageID, Event: "message_add for existing message"}
		}
		seq := len(st.session.Messages)
		st.session.Messages = append(st.session.Messages, internal.Message{
			ID:        ev.MessageID,
			SessionID: id,
			Role:      ev.Role,
			Content:   ev.Content,
			Timestamp: now,
			Sequence:  seq,
		})
		st.index[ev.MessageID] = seq
		st.session.UpdatedAt = now
		st.dirty = true
		st.pending++
		return nil

	case EventMessageUpdate:
		i, exists := st.index[ev.MessageID]
		if !exists {
			return &internal.SequenceError{SessionID: id, MessageID: ev.MessageID, Event: "message_update for unknown message"}
		}
		st.session.Messages[i].Content = ev.Content
		st.session.UpdatedAt = now
		st.dirty = true
		st.pending++
		return nil

	case EventMessageAppend:
		i, exists := st.index[ev.MessageID]
		if !exists {
			return &internal.SequenceError{SessionID: id, MessageID: ev.MessageID, Event: "message_append for unknown message"}
		}
		st.session.Messages[i].Content += ev.ContentDelta
		st.session.UpdatedAt = now
		st.dirty = true
		st.pending++
		return nil

	case EventSessionEnd:
		st.session.Partial = false
		st.session.UpdatedAt = now
		st.state = StateFinalized
		st.dirty = true
		return nil
	}

	return &internal.SequenceError{SessionID: id, Event: "unhandled event " + ev.Type}
}

// crash durably checkpoints the buffered state, then marks the session
// crashed. A failed checkpoint leaves the session open; the next tick
// retries.
func (s *Service) crash(st *sessionState, idleFor time.Duration) {
	if st.session == nil {
		st.state = StateCrashed
		return
	}
	ctx := context.Background()
	cp, err := internal.NewCheckpoint(st.session, "crash")
	if err == nil {
		err = s.store.SaveCheckpoint(ctx, cp)
	}
	if err != nil {
		s.log.Error().Str("session", st.session.ID).Err(err).Msg("crash checkpoint failed, session stays open")
		return
	}
	st.state = StateCrashed
	st.dirty = true
	s.flush(st)

	timeoutErr := &internal.TimeoutError{SessionID: st.session.ID, IdleFor: idleFor.String()}
	s.log.Warn().Str("session", st.session.ID).Dur("idle_for", idleFor).Msg(timeoutErr.Error())
}

func (s *Service) flush(st *sessionState) {
	if st.session == nil || !st.dirty {
		return
	}
	if err := s.store.PutSession(context.Background(), cloneSession(st.session)); err != nil {
		s.log.Error().Str("session", st.session.ID).Err(err).Msg("flush failed")
		return
	}
	st.dirty = false
	st.pending = 0
	st.lastFlush = time.Now()
}

func (s *Service) statusOf(id string, st *sessionState) Status {
	status := Status{
		SessionID:   id,
		Producer:    st.producer,
		State:       st.state,
		StartedAt:   st.startedAt.UnixMilli(),
		LastEventAt: st.lastEvent.UnixMilli(),
		Dirty:       st.dirty,
	}
	if st.session != nil {
		status.Provider = st.session.Provider
		status.Title = st.session.Title
		status.MessageCount = len(st.session.Messages)
	}
	return status
}

func cloneSession(s *internal.Session) *internal.Session {
	out := *s
	out.Messages = make([]internal.Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	return &out
}
