// Package api provides the admin HTTP server and the main run loop for
// msibot.
//
// It exposes RESTful endpoints for inspecting conversations and cases,
// managing the item catalog and constraint rules, reading the tool
// invocation audit trail, and toggling the per-conversation panic flag.
// Run wires the store, catalog, GenAI client, screener, case FSM and
// orchestration gateway together and blocks until shutdown.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pepeccz/msi-a-sub002/internal/catalog"
	"github.com/pepeccz/msi-a-sub002/internal/flow"
	"github.com/pepeccz/msi-a-sub002/internal/gateway"
	"github.com/pepeccz/msi-a-sub002/internal/genai"
	"github.com/pepeccz/msi-a-sub002/internal/messaging"
	"github.com/pepeccz/msi-a-sub002/internal/screener"
	"github.com/pepeccz/msi-a-sub002/internal/store"
	"github.com/pepeccz/msi-a-sub002/internal/twiliowhatsapp"
	"github.com/pepeccz/msi-a-sub002/internal/util"
	"github.com/pepeccz/msi-a-sub002/internal/whatsapp"
)

const (
	// DefaultAddr is the default listen address for the admin API.
	DefaultAddr = ":8080"

	// shutdownTimeout bounds graceful HTTP shutdown on exit.
	shutdownTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr     string
	Operator string // WhatsApp number notified on case escalation
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address for the admin API server.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithOperatorNumber sets the operator number that receives escalation
// notices when a case needs human review.
func WithOperatorNumber(number string) Option {
	return func(o *Opts) { o.Operator = number }
}

// Server handles admin HTTP requests against the running bot.
type Server struct {
	addr       string
	st         store.Store
	msgService messaging.Service
	gateway    *gateway.Service
	catalog    *catalog.Service
	screener   *screener.Screener
}

// NewServer creates an API server with the given dependencies.
func NewServer(msgService messaging.Service, st store.Store, gw *gateway.Service, cat *catalog.Service, scr *screener.Screener, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		addr:       cfg.Addr,
		st:         st,
		msgService: msgService,
		gateway:    gw,
		catalog:    cat,
		screener:   scr,
	}
}

// routes registers all admin endpoints on the given mux.
func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/conversations", s.listConversationsHandler)
	mux.HandleFunc("/conversations/", s.conversationHandler)
	mux.HandleFunc("/catalog", s.catalogHandler)
	mux.HandleFunc("/rules", s.rulesHandler)
	mux.HandleFunc("/rules/", s.ruleHandler)
	mux.HandleFunc("/receipts", s.receiptsHandler)
	mux.HandleFunc("/responses", s.responsesHandler)
}

// Run wires all modules together and serves until interrupted. It owns the
// full lifecycle: store selection, catalog seeding, messaging backend
// selection (whatsmeow or Twilio), gateway startup and graceful shutdown.
func Run(waOpts []whatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	var cfg Opts
	for _, opt := range apiOpts {
		opt(&cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(storeOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("api.Run: store close failed", "error", err)
		}
	}()

	if err := catalog.SeedDefaults(st); err != nil {
		return fmt.Errorf("failed to seed item catalog: %w", err)
	}
	cat, err := catalog.New(st)
	if err != nil {
		return fmt.Errorf("failed to load item catalog: %w", err)
	}

	genaiClient, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("failed to create GenAI client: %w", err)
	}

	msgService, webhook, err := buildMessagingService(ctx, waOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize messaging service: %w", err)
	}
	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer func() {
		if err := msgService.Stop(); err != nil {
			slog.Error("api.Run: messaging service stop failed", "error", err)
		}
	}()

	escalator := gateway.NewEscalator(msgService, cfg.Operator)
	counter := &gateway.StoreAttachmentCounter{Store: st}
	fsm := flow.NewCaseFSM(cat, counter, escalator)
	responder := flow.NewResponder(genaiClient, flow.NewCaseTool(fsm), cat)
	scr := screener.New(st)

	gw := gateway.New(st, msgService, responder, scr)
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	defer gw.Stop()

	server := NewServer(msgService, st, gw, cat, scr, apiOpts...)
	mux := http.NewServeMux()
	server.routes(mux)
	if webhook != nil {
		mux.HandleFunc("/webhook/twilio", webhook)
		slog.Info("api.Run: Twilio webhook mounted", "path", "/webhook/twilio")
	}

	httpServer := &http.Server{Addr: server.addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("api.Run: admin API listening", "addr", server.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
		slog.Info("api.Run: shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("api.Run: HTTP shutdown failed", "error", err)
	}
	return nil
}

// buildStore selects a store backend from the configured DSN: Postgres for
// URL or key=value DSNs, SQLite for file paths, in-memory when no DSN is
// given.
func buildStore(storeOpts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range storeOpts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Warn("api.buildStore: no DSN configured, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		slog.Debug("api.buildStore: using PostgreSQL store")
		return store.NewPostgresStore(storeOpts...)
	}
	slog.Debug("api.buildStore: using SQLite store", "path", cfg.DSN)
	return store.NewSQLiteStore(storeOpts...)
}

// buildMessagingService selects the messaging backend. When USE_TWILIO is
// set the Twilio REST client is used and its webhook handler is returned
// for mounting; otherwise a whatsmeow client is created and logged in.
func buildMessagingService(ctx context.Context, waOpts []whatsapp.Option) (messaging.Service, http.HandlerFunc, error) {
	if util.ParseBoolEnv("USE_TWILIO", false) {
		twilioClient, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(twilioClient)
		slog.Info("api.buildMessagingService: using Twilio WhatsApp backend")
		return svc, svc.TwilioWebhookHandler, nil
	}

	waClient, err := whatsapp.NewClient(waOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
	}
	slog.Info("api.buildMessagingService: using whatsmeow backend")
	return messaging.NewWhatsAppService(waClient), nil, nil
}
