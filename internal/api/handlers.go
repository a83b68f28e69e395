package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/iksnae/chat-harvest/internal"
	"github.com/iksnae/chat-harvest/internal/recording"
)

type eventEnvelope struct {
	Producer string            `json:"producer,omitempty"`
	Events   []recording.Event `json:"events"`
}

type eventResult struct {
	Processed int      `json:"processed"`
	Errors    []string `json:"errors,omitempty"`
}

// handleEvents accepts a batch of recording events from one producer.
// Events apply in order; the first hard failure stops the batch so the
// producer can resend from that point.
func (s *Server) handleEvents(c *fiber.Ctx) error {
	status, result, apiErr := s.processEnvelope(c.Context(), c.IP(), c.Body())
	if apiErr != nil {
		return c.Status(status).JSON(apiErr)
	}
	return c.Status(status).JSON(result)
}

// processEnvelope validates and dispatches one event envelope. The REST
// endpoint and the websocket channel both feed through here, so an event
// behaves identically whichever way it arrives.
func (s *Server) processEnvelope(ctx context.Context, fallbackProducer string, body []byte) (int, *eventResult, *apiError) {
	if err := s.validateEnvelope(body); err != nil {
		return fiber.StatusBadRequest, nil, &apiError{Code: "invalid_envelope", Message: err.Error()}
	}
	var envelope eventEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fiber.StatusBadRequest, nil, &apiError{Code: "invalid_body", Message: err.Error()}
	}
	producer := envelope.Producer
	if producer == "" {
		producer = fallbackProducer
	}

	result := &eventResult{}
	for _, ev := range envelope.Events {
		if err := s.service.Submit(ctx, producer, ev); err != nil {
			result.Errors = []string{err.Error()}
			var conc *internal.ConcurrencyError
			if errors.As(err, &conc) {
				return fiber.StatusConflict, result, nil
			}
			var seq *internal.SequenceError
			if errors.As(err, &seq) {
				return fiber.StatusUnprocessableEntity, result, nil
			}
			return fiber.StatusInternalServerError, nil, &apiError{Code: "event_failed", Message: err.Error()}
		}
		result.Processed++
	}
	return fiber.StatusOK, result, nil
}

type snapshotRequest struct {
	SessionID string `json:"session_id"`
}

// handleSnapshot returns the full reconstructed state of a live session.
func (s *Server) handleSnapshot(c *fiber.Ctx) error {
	var req snapshotRequest
	if err := c.BodyParser(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "invalid_body", err.Error())
	}
	if req.SessionID == "" {
		return errorResponse(c, fiber.StatusBadRequest, "missing_session_id", "session_id is required")
	}
	session, err := s.service.Snapshot(c.Context(), req.SessionID)
	if err != nil {
		var seq *internal.SequenceError
		if errors.As(err, &seq) {
			return errorResponse(c, fiber.StatusNotFound, "unknown_session", err.Error())
		}
		return errorResponse(c, fiber.StatusInternalServerError, "snapshot_failed", err.Error())
	}
	return c.JSON(session)
}

func (s *Server) handleAcknowledge(c *fiber.Ctx) error {
	err := s.service.Acknowledge(c.Context(), c.Params("id"))
	if err != nil {
		var seq *internal.SequenceError
		if errors.As(err, &seq) {
			return errorResponse(c, fiber.StatusConflict, "not_crashed", err.Error())
		}
		return errorResponse(c, fiber.StatusInternalServerError, "acknowledge_failed", err.Error())
	}
	return c.JSON(fiber.Map{"status": "finalized"})
}

// handleListSessions lists live recording sessions, falling back to
// nothing rather than erroring when the service is idle.
func (s *Server) handleListSessions(c *fiber.Ctx) error {
	sessions := s.service.Sessions(c.Context())
	return c.JSON(fiber.Map{"sessions": sessions, "count": len(sessions)})
}

// handleGetSession returns a live session if recording, otherwise the
// stored copy.
func (s *Server) handleGetSession(c *fiber.Ctx) error {
	id := c.Params("id")
	if session, err := s.service.Snapshot(c.Context(), id); err == nil {
		return c.JSON(session)
	}
	session, err := s.store.GetSession(c.Context(), id)
	if err != nil {
		return errorResponse(c, fiber.StatusInternalServerError, "store_error", err.Error())
	}
	if session == nil {
		return errorResponse(c, fiber.StatusNotFound, "unknown_session", "no such session")
	}
	return c.JSON(session)
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	sessions := s.service.Sessions(c.Context())
	open, crashed := 0, 0
	for _, st := range sessions {
		switch st.State {
		case recording.StateOpen:
			open++
		case recording.StateCrashed:
			crashed++
		}
	}
	return c.JSON(fiber.Map{
		"active":  open,
		"crashed": crashed,
		"total":   len(sessions),
	})
}

// handleStream pushes accepted events to the client as server-sent
// events. SSE keeps the transport one-directional and proxy-friendly;
// producers write through POST /recording/events.
func (s *Server) handleStream(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	events, cancel := s.service.Subscribe()
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()
		keepalive := time.NewTicker(15 * time.Second)
		defer keepalive.Stop()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
				if err := w.Flush(); err != nil {
					return
				}
			case <-keepalive.C:
				fmt.Fprint(w, ": keepalive\n\n")
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}))
	return nil
}
