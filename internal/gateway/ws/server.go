// Package ws implements the WebSocket approver endpoint. Approver UIs
// connect, receive pending permission requests in real time, and send
// back verdicts that resolve the waiting executions.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/permission"
)

// Subprotocol identifies the approver wire protocol version.
const Subprotocol = "ngome-approver-v1"

// Message types exchanged with approver clients.
const (
	MsgApprovalRequest = "approval.request" // server -> client: a request awaits a decision
	MsgVerdict         = "approval.verdict" // client -> server: approve or deny
	MsgVerdictResult   = "approval.result"  // server -> client: outcome of a verdict
	MsgPing            = "ping"             // server -> client keepalive
	MsgPong            = "pong"             // client -> server keepalive reply
)

// Envelope wraps every message on the wire.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func newEnvelope(msgType string, payload any) (*Envelope, error) {
	env := &Envelope{Type: msgType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", msgType, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Verdict is the client payload resolving a pending request.
type Verdict struct {
	ID         string `json:"id"`
	Decision   string `json:"decision"` // "approve" or "deny"
	ResolvedBy string `json:"resolved_by,omitempty"`
}

// VerdictResult reports the outcome of a verdict back to the sender.
type VerdictResult struct {
	ID     string `json:"id"`
	Status string `json:"status"` // "approved", "denied", or "error"
	Error  string `json:"error,omitempty"`
}

// Server is the WebSocket server that manages approver connections.
type Server struct {
	broker *permission.Broker
	cfg    *config.WebSocketGatewayConfig
	logger *slog.Logger

	connsMu sync.Mutex
	conns   map[*websocket.Conn]struct{}
}

// NewServer creates a WebSocket approver server bound to the given broker.
// New pending requests are pushed to every connected approver.
func NewServer(broker *permission.Broker, cfg *config.WebSocketGatewayConfig, logger *slog.Logger) *Server {
	s := &Server{
		broker: broker,
		cfg:    cfg,
		logger: logger,
		conns:  make(map[*websocket.Conn]struct{}),
	}
	broker.SetNotifier(s.notify)
	return s
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Authenticate approver via token.
	if s.cfg != nil && s.cfg.Token != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("Authorization")
			if len(token) > 7 && token[:7] == "Bearer " {
				token = token[7:]
			}
		}
		if token != s.cfg.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn) {
	s.addConn(conn)
	defer func() {
		s.removeConn(conn)
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	s.logger.Info("approver connected")

	// Replay the backlog so a newly connected approver sees requests
	// raised before it joined.
	for _, req := range s.broker.Pending() {
		if err := s.send(ctx, conn, MsgApprovalRequest, req); err != nil {
			s.logger.Warn("backlog push failed", slog.String("error", err.Error()))
			return
		}
	}

	// Start keepalive pinger.
	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx, conn)

	// Main message loop.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.logger.Info("approver disconnected normally")
			} else {
				s.logger.Warn("approver connection error", slog.String("error", err.Error()))
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("invalid message from approver", slog.String("error", err.Error()))
			continue
		}

		s.handleMessage(ctx, conn, &env)
	}
}

func (s *Server) handleMessage(ctx context.Context, conn *websocket.Conn, env *Envelope) {
	switch env.Type {
	case MsgVerdict:
		var v Verdict
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			s.logger.Warn("invalid verdict payload", slog.String("error", err.Error()))
			return
		}
		s.resolveVerdict(ctx, conn, v)

	case MsgPong:
		// Keepalive reply, nothing to do.

	default:
		s.logger.Warn("unknown message type from approver", slog.String("type", env.Type))
	}
}

func (s *Server) resolveVerdict(ctx context.Context, conn *websocket.Conn, v Verdict) {
	resolvedBy := v.ResolvedBy
	if resolvedBy == "" {
		resolvedBy = "websocket"
	}

	var err error
	status := ""
	switch v.Decision {
	case "approve":
		err = s.broker.Approve(v.ID, resolvedBy)
		status = "approved"
	case "deny":
		err = s.broker.Deny(v.ID, resolvedBy)
		status = "denied"
	default:
		err = fmt.Errorf("decision must be \"approve\" or \"deny\"")
	}

	result := VerdictResult{ID: v.ID, Status: status}
	if err != nil {
		result.Status = "error"
		result.Error = verdictError(err)
		s.logger.Warn("verdict rejected",
			slog.String("approval_id", v.ID),
			slog.String("decision", v.Decision),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("verdict applied",
			slog.String("approval_id", v.ID),
			slog.String("decision", v.Decision),
			slog.String("resolved_by", resolvedBy),
		)
	}

	if err := s.send(ctx, conn, MsgVerdictResult, result); err != nil {
		s.logger.Warn("verdict result push failed", slog.String("error", err.Error()))
	}
}

// notify pushes a new pending request to every connected approver. It is
// installed as the broker's Notifier and must not block the caller.
func (s *Server) notify(req permission.Request) {
	s.connsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.connsMu.Unlock()

	if len(conns) == 0 {
		s.logger.Warn("approval pending with no connected approvers",
			slog.String("approval_id", req.ID),
			slog.String("mode", req.Mode),
		)
		return
	}

	for _, conn := range conns {
		if err := s.send(context.Background(), conn, MsgApprovalRequest, req); err != nil {
			s.logger.Warn("approval push failed", slog.String("error", err.Error()))
		}
	}
}

func (s *Server) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.send(ctx, conn, MsgPing, nil); err != nil {
				s.logger.Debug("keepalive ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, msgType string, payload any) error {
	env, err := newEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout())
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Server) addConn(conn *websocket.Conn) {
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) removeConn(conn *websocket.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

// verdictError maps broker errors to client-facing messages.
func verdictError(err error) string {
	switch {
	case errors.Is(err, permission.ErrNotFound):
		return "approval not found"
	case errors.Is(err, permission.ErrExpired):
		return "approval expired"
	case errors.Is(err, permission.ErrAlreadyResolved):
		return "approval already resolved"
	default:
		return err.Error()
	}
}
