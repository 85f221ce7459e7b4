// Package ws serves tool chat turns over WebSocket. The client sends one
// request message, then receives each stream record as its own text message
// until the finish record, after which the server closes the connection.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/termrelay/internal/agent"
	"github.com/jkaninda/termrelay/internal/config"
	"github.com/jkaninda/termrelay/internal/gateway"
	"github.com/jkaninda/termrelay/internal/observability"
	"github.com/jkaninda/termrelay/internal/ratelimit"
)

// Subprotocol is offered on upgrade. Clients may omit it.
const Subprotocol = "termrelay-stream-v1"

const maxMessageBytes = 1 << 20

// errorFrame is sent instead of records when the turn fails before streaming.
type errorFrame struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// Server upgrades requests and runs one turn per connection.
type Server struct {
	agent   agent.Agent
	auth    *gateway.Authenticator
	limiter *ratelimit.Limiter
	metrics *observability.MetricsCollector
	cfg     *config.WebSocketGatewayConfig
	logger  *slog.Logger
}

// NewServer creates a WebSocket server.
func NewServer(a agent.Agent, auth *gateway.Authenticator, rl *ratelimit.Limiter, cfg *config.WebSocketGatewayConfig, logger *slog.Logger) *Server {
	return &Server{
		agent:   a,
		auth:    auth,
		limiter: rl,
		cfg:     cfg,
		logger:  logger,
	}
}

// WithMetrics counts rate-limited upgrades.
func (s *Server) WithMetrics(m *observability.MetricsCollector) *Server {
	s.metrics = m
	return s
}

// Path is where the handler should be mounted.
func (s *Server) Path() string {
	return s.cfg.WSPath()
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on the upgrade request.
	callerID, ok := s.auth.Authenticate(r, true)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.limiter != nil {
		if err := s.limiter.Allow(callerID); err != nil {
			s.metrics.RecordRateLimited()
			if d := s.limiter.RetryAfter(callerID); d > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(d.Round(time.Second).Seconds())+1))
			}
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	var origins []string
	if s.cfg != nil {
		origins = s.cfg.AllowedOrigins
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: origins,
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	s.handleConnection(r.Context(), conn, callerID)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, callerID string) {
	correlationID := gateway.NewCorrelationID()
	logger := s.logger.With(
		slog.String("caller_id", callerID),
		slog.String("correlation_id", correlationID),
	)

	req, err := s.readRequest(ctx, conn, callerID, correlationID)
	if err != nil {
		logger.Warn("invalid websocket request", slog.String("error", err.Error()))
		s.fail(ctx, conn, &agent.Error{StatusCode: http.StatusBadRequest, Message: err.Error()})
		return
	}

	// Any further client frame, or the client going away, cancels the turn.
	ctx = conn.CloseRead(ctx)

	logger.Info("websocket chat request",
		slog.String("plugin", req.Plugin.String()),
		slog.Int("messages", len(req.Messages)),
	)

	records, err := s.agent.Start(ctx, req)
	if err != nil {
		s.fail(ctx, conn, agent.Classify(err))
		return
	}

	var writeErr error
	for rec := range records {
		if writeErr != nil {
			continue
		}
		b, err := rec.Encode()
		if err != nil {
			writeErr = err
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout())
		writeErr = conn.Write(wctx, websocket.MessageText, bytes.TrimSuffix(b, []byte("\n")))
		cancel()
		if writeErr != nil {
			logger.Info("client stream write failed", slog.String("error", writeErr.Error()))
		}
	}

	if writeErr != nil {
		_ = conn.CloseNow()
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func (s *Server) readRequest(ctx context.Context, conn *websocket.Conn, callerID, correlationID string) (*agent.Request, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout())
	defer cancel()

	typ, data, err := conn.Read(rctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, errors.New("request must be a text message")
	}

	var body gateway.ChatRequest
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, errors.New("invalid request body")
	}
	return body.ToAgentRequest(callerID, correlationID, s.auth.Privileged(callerID))
}

// fail sends an error frame and closes the connection with a matching status.
func (s *Server) fail(ctx context.Context, conn *websocket.Conn, e *agent.Error) {
	data, _ := json.Marshal(errorFrame{Error: e.Message, Status: e.StatusCode})

	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout())
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		_ = conn.CloseNow()
		return
	}

	code := websocket.StatusPolicyViolation
	if e.StatusCode >= http.StatusInternalServerError {
		code = websocket.StatusInternalError
	}
	_ = conn.Close(code, http.StatusText(e.StatusCode))
}
