// Package rpc implements C10, the RPC Surface: the request/response
// boundary to the UI plus a push-event channel (spec §4.10, §6). Spec
// §6 leaves transport out of the engine's scope; this package is the
// one concrete adapter this module ships, framing
// {method,params,requestId}/{requestId,success,data|error} JSON over a
// gorilla/websocket connection, the same transport
// insiderfyr-ShopMindAI's chat-service uses for its own request/event
// multiplexing.
package rpc

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kittclouds/topicengine/internal/analyzer"
	"github.com/kittclouds/topicengine/internal/domain"
	"github.com/kittclouds/topicengine/internal/errs"
	"github.com/kittclouds/topicengine/internal/events"
	"github.com/kittclouds/topicengine/internal/keywordstore"
	"github.com/kittclouds/topicengine/internal/processor"
	"github.com/kittclouds/topicengine/internal/proposal"
	"github.com/kittclouds/topicengine/internal/summary"
)

// Request is the wire shape of one RPC call (spec §6).
type Request struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	RequestID string          `json:"requestId"`
}

// RPCError is the stable error shape carried in a failed Response.
type RPCError struct {
	Kind    errs.Kind `json:"kind"`
	Message string    `json:"message"`
}

// Response is the wire shape of one RPC result (spec §6). Exactly one of
// Data/Error is populated, matching Success.
type Response struct {
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *RPCError       `json:"error,omitempty"`
}

// EventMessage is the wire shape of a pushed event (spec §6).
type EventMessage struct {
	Event   events.Name `json:"event"`
	Payload any         `json:"payload"`
}

// FindSubjectByIDHash resolves a past Subject across every topic, backing
// proposals:share.
type FindSubjectByIDHash func(idHash string) (domain.Subject, bool, error)

// Clock lets callers control "now" deterministically in tests.
type Clock func() int64

// Dependencies wires the C10 surface to the components it fronts.
type Dependencies struct {
	Keywords    *keywordstore.Store
	Summaries   *summary.Manager
	Proposals   *proposal.Engine
	Analyzer    *analyzer.Analyzer
	Processor   *processor.Processor
	Bus         *events.Bus
	FindSubject FindSubjectByIDHash
	Clock       Clock
}

// Server is the C10 RPC Surface: a websocket listener multiplexing
// request/response calls and the event push channel over one connection
// per client.
type Server struct {
	deps     Dependencies
	upgrader websocket.Upgrader
	log      *zap.SugaredLogger

	mu    sync.Mutex
	conns map[*websocket.Conn]chan []byte
}

// New creates a Server and subscribes it to deps.Bus so every emitted
// Event is broadcast to every connected client.
func New(deps Dependencies, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if deps.Clock == nil {
		deps.Clock = func() int64 { return time.Now().UnixMilli() }
	}
	s := &Server{
		deps:     deps,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		log:      log,
		conns:    make(map[*websocket.Conn]chan []byte),
	}
	deps.Bus.Subscribe(s.broadcast)
	return s
}

func (s *Server) broadcast(ev events.Event) {
	payload := eventPayload(ev)
	raw, err := json.Marshal(EventMessage{Event: ev.Name, Payload: payload})
	if err != nil {
		s.log.Warnw("failed to marshal event", "event", ev.Name, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.conns {
		select {
		case ch <- raw:
		default:
			s.log.Warnw("dropping event for slow client", "event", ev.Name)
		}
	}
}

func eventPayload(ev events.Event) map[string]any {
	payload := map[string]any{"topicId": ev.TopicID}
	switch ev.Name {
	case events.MessageStream:
		payload["messageId"] = ev.MessageID
		payload["chunk"] = ev.Chunk
	case events.MessageUpdated:
		payload["message"] = ev.Message
	case events.AIError:
		if ev.Err != nil {
			payload["error"] = ev.Err.Error()
		}
	}
	return payload
}

// ServeHTTP upgrades the connection and runs its read/write loops until
// the client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("websocket upgrade failed", "error", err)
		return
	}

	send := make(chan []byte, 64)
	s.mu.Lock()
	s.conns[conn] = send
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	done := make(chan struct{})
	go s.writeLoop(conn, send, done)
	s.readLoop(conn, send)
	close(done)
}

func (s *Server) writeLoop(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case msg := <-send:
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) readLoop(conn *websocket.Conn, send chan<- []byte) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		resp := s.dispatch(req)
		out, err := json.Marshal(resp)
		if err != nil {
			continue
		}
		select {
		case send <- out:
		default:
			s.log.Warnw("dropping response for slow client", "method", req.Method)
		}
	}
}

// dispatch routes req to the matching method handler, converting any
// typed error into the envelope's stable error kind (spec §7: "the RPC
// layer converts terminal errors into {success:false, error} envelopes").
func (s *Server) dispatch(req Request) Response {
	data, err := s.call(req.Method, req.Params)
	if err != nil {
		kind, ok := errs.KindOf(err)
		if !ok {
			kind = errs.InvariantViolation
		}
		return Response{RequestID: req.RequestID, Success: false, Error: &RPCError{Kind: kind, Message: err.Error()}}
	}
	raw, marshalErr := json.Marshal(data)
	if marshalErr != nil {
		return Response{RequestID: req.RequestID, Success: false,
			Error: &RPCError{Kind: errs.InvariantViolation, Message: marshalErr.Error()}}
	}
	return Response{RequestID: req.RequestID, Success: true, Data: raw}
}

func (s *Server) call(method string, params json.RawMessage) (any, error) {
	switch method {
	case "topicAnalysis:getKeywords":
		var p struct{ TopicID string `json:"topicId"` }
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		kws, err := s.deps.Keywords.ListKeywords(p.TopicID)
		return emptyOnDerivedFailure(kws, err)

	case "topicAnalysis:getSubjects":
		var p struct {
			TopicID         string `json:"topicId"`
			IncludeArchived bool   `json:"includeArchived"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		subs, err := s.deps.Keywords.ListSubjects(p.TopicID, p.IncludeArchived)
		return emptyOnDerivedFailure(subs, err)

	case "topicAnalysis:getSummaries":
		var p struct{ TopicID string `json:"topicId"` }
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		versions, err := s.deps.Summaries.Versions(p.TopicID)
		return emptyOnDerivedFailure(versions, err)

	case "topicAnalysis:extractRealtimeKeywords":
		var p struct {
			TopicID string `json:"topicId"`
			Text    string `json:"text"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		return s.deps.Analyzer.ExtractRealtime(p.Text), nil

	case "proposals:getForTopic":
		var p struct{ TopicID string `json:"topicId"` }
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		props, err := s.deps.Proposals.GetForTopic(p.TopicID, s.deps.Clock())
		return emptyOnDerivedFailure(props, err)

	case "proposals:dismiss":
		var p struct {
			TopicID           string `json:"topicId"`
			PastSubjectIDHash string `json:"pastSubjectIdHash"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		if err := s.deps.Proposals.Dismiss(p.TopicID, p.PastSubjectIDHash, s.deps.Clock()); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case "proposals:share":
		var p struct {
			TopicID           string `json:"topicId"`
			PastSubjectIDHash string `json:"pastSubjectIdHash"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		return s.deps.Proposals.Share(p.TopicID, p.PastSubjectIDHash, s.deps.FindSubject, s.deps.Clock())

	case "chat:sendMessage":
		var p struct {
			TopicID   string `json:"topicId"`
			MessageID string `json:"messageId"`
			Text      string `json:"text"`
			SenderID  string `json:"senderId"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		s.deps.Processor.Enqueue(p.TopicID, p.MessageID, p.Text, p.SenderID, s.deps.Clock())
		return map[string]bool{"ok": true}, nil

	case "chat:stopStreaming":
		var p struct{ TopicID string `json:"topicId"` }
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		s.deps.Processor.StopStreaming(p.TopicID)
		return map[string]bool{"ok": true}, nil

	default:
		return nil, errs.New("rpc", errs.NotFound, "unknown method "+method)
	}
}

func badParams(err error) error {
	return errs.Wrap("rpc", errs.ConfigError, "decoding params", err)
}

// emptyOnDerivedFailure implements spec §7's "keyword/subject failures
// are silent (empty lists returned) since they are derived data" for
// NotFound specifically; any other error kind still propagates.
func emptyOnDerivedFailure[T any](v []T, err error) (any, error) {
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return []T{}, nil
		}
		return nil, err
	}
	if v == nil {
		return []T{}, nil
	}
	return v, nil
}
