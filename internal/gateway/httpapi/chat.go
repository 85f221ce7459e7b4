package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/termrelay/internal/agent"
	"github.com/jkaninda/termrelay/internal/gateway"
	"github.com/jkaninda/termrelay/internal/stream"
)

// handleChatTools serves POST /v1/chat/tools. Errors before the first record
// are returned as JSON with a mapped status. Once streaming has begun the
// response is always 200 and ends with exactly one finish record.
func (g *Gateway) handleChatTools(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	callerID, ok := g.auth.Authenticate(r, false)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "invalid API key")
		return
	}
	if !g.allow(callerID) {
		if d := g.limiter.RetryAfter(callerID); d > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(d.Round(time.Second).Seconds())+1))
		}
		writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var body gateway.ChatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, g.config.maxRequestSize()))
	if err := dec.Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	correlationID := gateway.NewCorrelationID()
	req, err := body.ToAgentRequest(callerID, correlationID, g.auth.Privileged(callerID))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	g.logger.InfoContext(ctx, "chat tools request",
		slog.String("caller_id", callerID),
		slog.String("correlation_id", correlationID),
		slog.String("plugin", req.Plugin.String()),
		slog.Int("messages", len(req.Messages)),
		slog.Bool("continuation", req.Continuation),
	)

	records, err := g.agent.Start(ctx, req)
	if err != nil {
		mapped := agent.Classify(err)
		writeJSONError(w, mapped.StatusCode, mapped.Message)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Correlation-ID", correlationID)
	w.WriteHeader(http.StatusOK)

	// Keep draining after a write failure: the channel closes only after
	// the sandbox is torn down.
	sw := stream.NewWriter(w)
	var writeErr error
	for rec := range records {
		if writeErr != nil {
			continue
		}
		if writeErr = sw.Write(rec); writeErr != nil {
			g.logger.InfoContext(ctx, "client stream write failed",
				slog.String("correlation_id", correlationID),
				slog.String("error", writeErr.Error()),
			)
		}
	}
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: msg})
}
