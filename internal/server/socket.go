package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/statesync"
	"github.com/MarcoPoloResearchLab/tether/internal/viewer"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	messageInitial    = "initial"
	messageResponses  = "responses"
	messageAckUpdates = "ack_updates"
	messagePing       = "ping"
	messageStateSync  = "state_sync"
	messageRequests   = "requests"
	messageUpdates    = "updates"
	messagePong       = "pong"
	messageError      = "error"

	socketWriteTimeout    = 10 * time.Second
	socketHeartbeatPeriod = 30 * time.Second
)

var (
	errNotInitialized     = errors.New("socket: initial message required first")
	errAlreadyInitialized = errors.New("socket: already initialized")
	errUnknownMessage     = errors.New("socket: unknown message type")
	errMalformedMessage   = errors.New("socket: malformed message")
)

type inboundMessage struct {
	Type    string          `json:"type"`
	ID      int64           `json:"id"`
	Payload json.RawMessage `json:"payload"`

	malformed bool
}

type outboundMessage struct {
	Type       string `json:"type"`
	ResponseTo *int64 `json:"responseTo,omitempty"`
	Payload    any    `json:"payload,omitempty"`
}

type ackPayload struct {
	CurrentAsOf int64 `json:"currentAsOf"`
}

type requestsPayload struct {
	ServerRequests []statesync.ServerRequest `json:"serverRequests"`
}

// socketSession is the state of one WebSocket client. Only run writes to conn.
type socketSession struct {
	handler            *httpHandler
	conn               *websocket.Conn
	viewer             viewer.Viewer
	connection         statesync.Connection
	initialized        bool
	updatesCurrentAsOf int64
	stream             <-chan RealtimeMessage
	unsubscribe        func()
}

func (h *httpHandler) handleSocket(c *gin.Context) {
	current := viewerFromContext(c)
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("socket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	session := &socketSession{handler: h, conn: conn, viewer: current, unsubscribe: func() {}}
	if err := session.run(c.Request.Context()); err != nil && !isNormalClosure(err) {
		h.logger.Warn("socket closed", zap.String("user_id", current.UserID), zap.Error(err))
	}
}

func (s *socketSession) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		s.unsubscribe()
	}()

	incoming := make(chan inboundMessage)
	readErr := make(chan error, 1)
	go s.readLoop(ctx, incoming, readErr)

	heartbeat := time.NewTicker(socketHeartbeatPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case message := <-incoming:
			if err := s.handle(ctx, message); err != nil {
				return err
			}
		case notice, ok := <-s.stream:
			if !ok {
				s.stream = nil
				continue
			}
			if err := s.pushUpdates(ctx, notice); err != nil {
				return err
			}
		case <-heartbeat.C:
			deadline := time.Now().Add(socketWriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return err
			}
		}
	}
}

func (s *socketSession) readLoop(ctx context.Context, incoming chan<- inboundMessage, readErr chan<- error) {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		var message inboundMessage
		if err := json.Unmarshal(raw, &message); err != nil {
			message = inboundMessage{malformed: true}
		}
		select {
		case incoming <- message:
		case <-ctx.Done():
			return
		}
	}
}

// handle answers one client message. Protocol and service failures are
// reported to the client; only write failures end the session.
func (s *socketSession) handle(ctx context.Context, message inboundMessage) error {
	if message.malformed {
		return s.writeError(nil, errMalformedMessage)
	}
	responseTo := message.ID
	switch message.Type {
	case messagePing:
		return s.write(outboundMessage{Type: messagePong, ResponseTo: &responseTo})
	case messageInitial:
		return s.handleInitial(ctx, responseTo, message.Payload)
	case messageResponses:
		return s.handleResponses(ctx, responseTo, message.Payload)
	case messageAckUpdates:
		return s.handleAck(ctx, responseTo, message.Payload)
	default:
		return s.writeError(&responseTo, errUnknownMessage)
	}
}

func (s *socketSession) handleInitial(ctx context.Context, responseTo int64, payload json.RawMessage) error {
	if s.initialized {
		return s.writeError(&responseTo, errAlreadyInitialized)
	}
	request, err := statesync.DecodeRequest(payload)
	if err != nil {
		return s.writeError(&responseTo, err)
	}
	response, connection, err := s.handler.responder.Sync(ctx, s.viewer, request)
	if err != nil {
		return s.writeError(&responseTo, err)
	}
	s.connection = connection
	s.initialized = true
	s.updatesCurrentAsOf = response.UpdatesCurrentAsOf()
	if connection.Viewer.RequireLoggedIn() == nil {
		s.stream, s.unsubscribe = s.handler.realtime.Subscribe(ctx, connection.Viewer.UserID, connection.Viewer.Session())
	}
	return s.write(outboundMessage{Type: messageStateSync, ResponseTo: &responseTo, Payload: response})
}

func (s *socketSession) handleResponses(ctx context.Context, responseTo int64, payload json.RawMessage) error {
	if !s.initialized {
		return s.writeError(&responseTo, errNotInitialized)
	}
	responses, err := statesync.DecodeClientResponses(payload)
	if err != nil {
		return s.writeError(&responseTo, err)
	}
	requests, connection, err := s.handler.responder.HandleResponses(ctx, s.connection, responses)
	if err != nil {
		return s.writeError(&responseTo, err)
	}
	s.connection = connection
	return s.write(outboundMessage{Type: messageRequests, ResponseTo: &responseTo, Payload: requestsPayload{ServerRequests: requests}})
}

func (s *socketSession) handleAck(ctx context.Context, responseTo int64, payload json.RawMessage) error {
	if !s.initialized {
		return s.writeError(&responseTo, errNotInitialized)
	}
	var ack ackPayload
	if err := json.Unmarshal(payload, &ack); err != nil || ack.CurrentAsOf < 0 {
		return s.writeError(&responseTo, errMalformedMessage)
	}
	connection, err := s.handler.responder.AckUpdates(ctx, s.connection, ack.CurrentAsOf)
	if err != nil {
		return s.writeError(&responseTo, err)
	}
	s.connection = connection
	return nil
}

// pushUpdates sends the updates committed since the last delivery.
func (s *socketSession) pushUpdates(ctx context.Context, notice RealtimeMessage) error {
	if notice.LatestTime > 0 && notice.LatestTime <= s.updatesCurrentAsOf {
		return nil
	}
	push, err := s.handler.responder.FetchUpdates(ctx, s.connection, s.updatesCurrentAsOf)
	if err != nil {
		s.handler.logger.Error("update push failed",
			zap.String("user_id", s.connection.Viewer.UserID),
			zap.Error(err))
		return nil
	}
	if len(push.UpdatesResult.NewUpdates) == 0 {
		return nil
	}
	s.updatesCurrentAsOf = push.UpdatesResult.CurrentAsOf
	return s.write(outboundMessage{Type: messageUpdates, Payload: push})
}

func (s *socketSession) write(message outboundMessage) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(message)
}

func (s *socketSession) writeError(responseTo *int64, err error) error {
	var body map[string]any
	switch {
	case errors.Is(err, errMalformedMessage), errors.Is(err, errUnknownMessage):
		body = map[string]any{"error": "invalid_message"}
	case errors.Is(err, errNotInitialized), errors.Is(err, errAlreadyInitialized):
		body = map[string]any{"error": "invalid_state"}
	default:
		status, mapped := errorResponse(err)
		if status >= 500 {
			s.handler.logger.Error("socket request failed", zap.String("user_id", s.viewer.UserID), zap.Error(err))
		}
		body = mapped
	}
	return s.write(outboundMessage{Type: messageError, ResponseTo: responseTo, Payload: body})
}

func isNormalClosure(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
