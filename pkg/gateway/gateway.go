// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/go-core-stack/mcp-stdio-bridge/pkg/broadcast"
	"github.com/go-core-stack/mcp-stdio-bridge/pkg/config"
	"github.com/go-core-stack/mcp-stdio-bridge/pkg/frame"
	"github.com/go-core-stack/mcp-stdio-bridge/pkg/process"
)

const (
	// StreamPath serves the event stream.
	StreamPath = "/sse"
	// MessagesPath accepts client submissions.
	MessagesPath = "/messages"

	eventEndpoint = "endpoint"
	eventMessage  = "message"
	previewLength = 100
)

// Subscriber hands out subscriptions to the decoded message stream.
type Subscriber interface {
	Subscribe() *broadcast.Subscription
}

// Writer forwards a submitted message to the stdio server.
type Writer interface {
	Write(msg frame.Message) error
}

// Gateway routes event stream and submission requests.
type Gateway struct {
	// hub hands out one subscription per event stream.
	hub Subscriber
	// writer receives every accepted submission.
	writer Writer
	// keepAlive is the idle interval after which a comment heartbeat is sent.
	keepAlive time.Duration
	// maxBody caps the size of a submission.
	maxBody int64
	// logger emits structured logs for observability.
	logger zerolog.Logger
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New constructs a Gateway serving subscriptions from hub and forwarding
// submissions to writer.
func New(cfg config.Config, hub Subscriber, writer Writer) *Gateway {
	return &Gateway{
		hub:       hub,
		writer:    writer,
		keepAlive: cfg.KeepAliveInterval,
		maxBody:   cfg.MaxBodyBytes,
		logger:    log.With().Str("component", "gateway").Logger(),
	}
}

// WithLogger replaces the component logger and returns the gateway.
func (g *Gateway) WithLogger(logger zerolog.Logger) *Gateway {
	g.logger = logger
	return g
}

// ServeHTTP dispatches to the stream, submission and status handlers.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	event := g.logger.With().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("remote_addr", r.RemoteAddr).
		Logger()

	switch route(r.URL.Path) {
	case StreamPath:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, event, http.MethodGet)
			return
		}
		g.serveEventStream(w, r, event)
	case MessagesPath:
		switch r.Method {
		case http.MethodPost:
			g.serveSubmission(w, r, event, start)
		case http.MethodGet:
			writeJSON(w, http.StatusOK, statusResponse{
				Status:  "ok",
				Message: "Send POST requests to this endpoint",
			}, event)
			event.Debug().Msg("status requested")
		default:
			methodNotAllowed(w, event, http.MethodGet, http.MethodPost)
		}
	default:
		http.NotFound(w, r)
		event.Debug().Msg("unknown path")
	}
}

// serveEventStream announces the submission endpoint and then relays every
// broadcast message until the client goes away or the hub is closed.
func (g *Gateway) serveEventStream(w http.ResponseWriter, r *http.Request, event zerolog.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		event.Error().Msg("response writer does not support flushing for SSE")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	endpoint := messagesURL(r)
	if err := writeEvent(w, eventEndpoint, endpoint); err != nil {
		event.Error().Err(err).Msg("failed to send endpoint event")
		return
	}
	flusher.Flush()

	// Subscribing after the endpoint event keeps the first event deterministic.
	sub := g.hub.Subscribe()
	defer sub.Close()

	event = event.With().Str("subscription", sub.ID()).Logger()
	event.Info().Str("endpoint", endpoint).Msg("event stream opened")

	ctx := r.Context()
	sent := 0
	for {
		msg, err := g.next(ctx, sub)
		switch {
		case err == nil:
			if err := writeEvent(w, eventMessage, string(msg)); err != nil {
				event.Error().Err(err).Msg("failed to write message event")
				return
			}
			sent++
			event.Debug().Str("payload", frame.Preview(msg, previewLength)).Msg("<-")
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// Comment lines keep intermediaries from timing out an idle stream.
			if _, err := io.WriteString(w, ":keepalive\n\n"); err != nil {
				event.Error().Err(err).Msg("failed to write keepalive")
				return
			}
		default:
			event.Info().Err(err).Int("events", sent).Msg("event stream closed")
			return
		}
		flusher.Flush()
	}
}

// next waits for the next message, giving up after the keep-alive interval so
// the caller can emit a heartbeat.
func (g *Gateway) next(ctx context.Context, sub *broadcast.Subscription) (frame.Message, error) {
	if g.keepAlive <= 0 {
		return sub.Next(ctx)
	}
	waitCtx, cancel := context.WithTimeout(ctx, g.keepAlive)
	defer cancel()
	return sub.Next(waitCtx)
}

// serveSubmission forwards a JSON object to the stdio server and acknowledges
// it without waiting for any reply.
func (g *Gateway) serveSubmission(w http.ResponseWriter, r *http.Request, event zerolog.Logger, start time.Time) {
	msg, err := g.readSubmission(w, r)
	if err == nil {
		event = event.With().
			Str("rpc_method", gjson.GetBytes(msg, "method").String()).
			Str("rpc_id", gjson.GetBytes(msg, "id").Raw).
			Logger()
		if werr := g.writer.Write(msg); werr != nil {
			status := http.StatusBadGateway
			if errors.Is(werr, process.ErrNotRunning) {
				status = http.StatusServiceUnavailable
			}
			err = &httpError{Status: status, Err: werr}
		}
	}

	if err != nil {
		status := http.StatusBadRequest
		var httpErr *httpError
		if errors.As(err, &httpErr) {
			status = httpErr.Status
		}
		writeJSON(w, status, errorResponse{Error: http.StatusText(status)}, event)
		event.Error().
			Err(err).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("submission rejected")
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{Status: "accepted"}, event)
	event.Debug().
		Str("payload", frame.Preview(msg, previewLength)).
		Dur("duration", time.Since(start)).
		Msg("->")
}

func (g *Gateway) readSubmission(w http.ResponseWriter, r *http.Request) (frame.Message, error) {
	body := r.Body
	if g.maxBody > 0 {
		body = http.MaxBytesReader(w, r.Body, g.maxBody)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &httpError{Status: http.StatusRequestEntityTooLarge, Err: err}
		}
		return nil, fmt.Errorf("read request body: %w", err)
	}

	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: request body", frame.ErrInvalidJSON)
	}
	if !gjson.ParseBytes(data).IsObject() {
		return nil, fmt.Errorf("%w: request body must be a JSON object", frame.ErrInvalidJSON)
	}

	return frame.Compact(data)
}

// messagesURL derives the absolute submission URL from the stream request,
// keeping any path prefix that precedes the stream path.
func messagesURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}

	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}

	prefix := strings.TrimSuffix(trimPath(r.URL.Path), StreamPath)

	return scheme + "://" + host + prefix + MessagesPath
}

// writeEvent emits one SSE event, splitting multi-line data across data fields.
func writeEvent(w io.Writer, name, data string) error {
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(name)
	b.WriteByte('\n')
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(strings.TrimSuffix(line, "\r"))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

func writeJSON(w http.ResponseWriter, status int, body any, event zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		event.Error().Err(err).Msg("failed to write response")
	}
}

func methodNotAllowed(w http.ResponseWriter, event zerolog.Logger, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	event.Debug().Msg("method not allowed")
}

// route maps a request path onto StreamPath or MessagesPath, accepting any
// prefix the bridge is mounted under by a fronting proxy.
func route(path string) string {
	trimmed := trimPath(path)
	for _, known := range []string{StreamPath, MessagesPath} {
		if strings.HasSuffix(trimmed, known) {
			return known
		}
	}
	return trimmed
}

// trimPath drops a trailing slash so /sse/ and /sse route alike.
func trimPath(path string) string {
	if trimmed := strings.TrimSuffix(path, "/"); trimmed != "" {
		return trimmed
	}
	return path
}

// httpError wraps a status code with the error that caused it.
type httpError struct {
	Status int   // Status preserves the HTTP status to emit downstream.
	Err    error // Err retains the original cause for logging.
}

// Error implements the error interface for httpError.
func (e *httpError) Error() string {
	return fmt.Sprintf("status %d: %v", e.Status, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As checks.
func (e *httpError) Unwrap() error {
	return e.Err
}
