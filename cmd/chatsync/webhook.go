package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	chatsync "github.com/VibezCitizens/VCSM-sub000"
)

var (
	webhookAddr   string
	webhookSecret string
	webhookTable  string
	webhookConv   string
)

func init() {
	rootCmd.AddCommand(webhookCmd)
	webhookCmd.AddCommand(webhookListenCmd)

	webhookListenCmd.Flags().StringVar(&webhookAddr, "addr", ":8787", "Listen address")
	webhookListenCmd.Flags().StringVar(&webhookSecret, "secret", os.Getenv("CHATSYNC_WEBHOOK_SECRET"), "HMAC secret shared with the database webhook")
	webhookListenCmd.Flags().StringVar(&webhookTable, "table", "", "Accept rows from this table (default messages)")
	webhookListenCmd.Flags().StringVar(&webhookConv, "conversation", "", "Drive an engine for this conversation from the webhook feed")
}

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Database webhook receiver",
}

var webhookListenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Receive row-change webhooks and serve /metrics",
	Long: "Start an HTTP server that verifies and ingests database webhooks at POST /webhook.\n" +
		"With --conversation, an engine is opened on that conversation and fed from the webhook instead of the realtime socket.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log := newLogger(cfg)

		var fopts []chatsync.WebhookOption
		fopts = append(fopts, chatsync.WithWebhookLogger(log))
		if webhookTable != "" {
			fopts = append(fopts, chatsync.WithWebhookTable(webhookTable))
		}
		feed, err := chatsync.NewWebhookFeed(webhookSecret, fopts...)
		if err != nil {
			return err
		}
		defer feed.Close()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if webhookConv != "" {
			s, err := openSession(ctx, false, chatsync.WithFeed(feed), chatsync.WithMetrics(chatsync.NewMetrics(reg)))
			if err != nil {
				return err
			}
			defer s.Close()
			s.engine.OnChange(func(snap chatsync.Snapshot) {
				log.Info().Int("messages", len(snap.Messages)).Bool("has_more", snap.HasMore).Msg("Conversation updated")
			})
			if err := s.engine.Open(ctx, chatsync.ConversationID(webhookConv)); err != nil {
				return fmt.Errorf("open conversation: %w", err)
			}
		}

		srv := &http.Server{
			Addr:              webhookAddr,
			Handler:           newWebhookRouter(feed, reg, log),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()
		log.Info().Str("addr", webhookAddr).Msg("Listening for webhooks")
		fmt.Printf("Listening on %s (POST /webhook, GET /metrics)\n", webhookAddr)

		select {
		case err := <-errc:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

// newWebhookRouter mounts the webhook feed, a health probe and the metrics
// endpoint.
func newWebhookRouter(feed *chatsync.WebhookFeed, reg *prometheus.Registry, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, req)
			log.Debug().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", ww.Status()).
				Dur("took", time.Since(start)).
				Msg("HTTP request")
		})
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	r.Method(http.MethodPost, "/webhook", feed.HTTPHandler())
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}
