// Package api exposes the HTTP ingress for the conversation engine.
//
// Twilio delivers inbound SMS and delivery status callbacks as
// form-encoded webhooks. The handlers translate those into the
// provider-agnostic inbound contract and hand them to the router;
// everything downstream of that point is transport-independent.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/souschef-sms/souschef/internal/models"
	"github.com/souschef-sms/souschef/internal/router"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// ReceiptSink accepts provider delivery status updates.
type ReceiptSink interface {
	PushReceipt(providerMessageID, to, status string)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server is the webhook ingress in front of the conversation router.
type Server struct {
	router   *router.Router
	receipts ReceiptSink
	srv      *http.Server
}

// NewServer creates the API server. receipts may be nil when no
// delivery provider is configured; status callbacks are then dropped.
func NewServer(rt *router.Router, receipts ReceiptSink, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{router: rt, receipts: receipts}
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/twilio", s.inboundHandler)
	mux.HandleFunc("/webhook/twilio/status", s.statusHandler)
	mux.HandleFunc("/health", s.healthHandler)
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves HTTP until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	slog.Info("Server.Run: listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// inboundHandler accepts Twilio's inbound message webhook. A 2xx stops
// Twilio from retrying; errors return 500 so Twilio redelivers and the
// idempotency guard absorbs the duplicate.
func (s *Server) inboundHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.inboundHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.inboundHandler: malformed form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, errorResponse("invalid form payload"))
		return
	}

	msg := inboundFromForm(r)
	if msg.SenderAddress == "" {
		slog.Warn("Server.inboundHandler: missing From")
		writeJSONResponse(w, http.StatusBadRequest, errorResponse("missing From"))
		return
	}

	if err := s.router.Route(r.Context(), msg); err != nil {
		slog.Error("Server.inboundHandler: routing failed", "error", err, "provider_id", msg.ProviderMessageID, "from", msg.SenderAddress)
		writeJSONResponse(w, http.StatusInternalServerError, errorResponse("message not processed"))
		return
	}

	// Empty TwiML: replies go out through the outbound pipeline, not
	// inline in the webhook response.
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("<Response></Response>"))
}

// statusHandler accepts Twilio's delivery status callback.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.statusHandler: malformed form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, errorResponse("invalid form payload"))
		return
	}

	sid := r.PostFormValue("MessageSid")
	status := r.PostFormValue("MessageStatus")
	if sid == "" || status == "" {
		writeJSONResponse(w, http.StatusBadRequest, errorResponse("missing MessageSid or MessageStatus"))
		return
	}
	if s.receipts != nil {
		s.receipts.PushReceipt(sid, r.PostFormValue("To"), status)
	}
	slog.Debug("Server.statusHandler: receipt accepted", "provider_id", sid, "status", status)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, okResponse())
}

// inboundFromForm maps Twilio's webhook parameters onto the inbound
// message contract. NumMedia counts the MediaUrlN parameters.
func inboundFromForm(r *http.Request) models.InboundMessage {
	msg := models.InboundMessage{
		ProviderMessageID: r.PostFormValue("MessageSid"),
		SenderAddress:     r.PostFormValue("From"),
		RecipientAddress:  r.PostFormValue("To"),
		Body:              r.PostFormValue("Body"),
		ReceivedAt:        time.Now().UTC(),
	}
	if n, err := strconv.Atoi(r.PostFormValue("NumMedia")); err == nil {
		for i := 0; i < n; i++ {
			if u := r.PostFormValue("MediaUrl" + strconv.Itoa(i)); u != "" {
				msg.MediaRefs = append(msg.MediaRefs, u)
			}
		}
	}
	return msg
}
