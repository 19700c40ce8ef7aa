/*
Package main implements the bar aggregation server.

The server consumes a normalized trade feed over WebSocket, folds trades into
fixed-width aggregate buckets (per-source bars plus a combined bar over the
active sources), evaluates user-defined formula series on every bucket close,
and pushes computed points to subscribed display clients over a WebSocket
endpoint. It supports graceful shutdown and exposes Prometheus metrics.

Usage:

	go run main.go -config=config.yaml
*/
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	json "github.com/goccy/go-json"

	"barstream/internal/config"
	"barstream/internal/controller"
	"barstream/internal/feed"
	"barstream/internal/metrics"
	"barstream/internal/model"
	"barstream/internal/sched"
	"barstream/internal/sink"
)

// configPath locates the YAML configuration file.
var configPath = flag.String("config", "config.yaml", "Path to the configuration file")

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if level, parseErr := zerolog.ParseLevel(cfg.App.LogLevel); parseErr == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics endpoint, if configured.
	var metricsSrv *http.Server
	if cfg.App.MetricsAddr != "" {
		metricsSrv = metrics.Serve(cfg.App.MetricsAddr)
	}

	// Sink dispatcher fanning points out to display clients.
	dispatcher := sink.NewDispatcher(sink.DispatcherConfig{MaxSeriesAllowed: 100})
	if err := dispatcher.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start dispatcher")
	}

	// Aggregation controller on the wall clock.
	ctrl := controller.New(controller.Config{
		BucketWidth:        cfg.Aggregation.BucketWidth(),
		DrainInterval:      cfg.Aggregation.DrainInterval(),
		ChunkMaxBars:       cfg.Aggregation.ChunkMaxBars,
		CounterWindow:      cfg.Counter.Window(),
		CounterGranularity: cfg.Counter.Granularity(),
		RedrawSuppress:     cfg.Aggregation.RedrawSuppress(),
	}, sched.NewWall(), dispatcher, log.Logger)
	defer ctrl.Close()

	for _, src := range cfg.Sources {
		ctrl.SetSourceActive(model.SourceID(src.ID), src.Active)
	}
	for _, s := range cfg.Series {
		if err := ctrl.AddSerie(s.ID, s.Visual, s.Formula, s.Options); err != nil {
			log.Error().Err(err).Str("series", s.ID).Msg("series rejected")
		}
	}

	// Surface validation errors; the UI collaborator renders them.
	go func() {
		for verr := range ctrl.Errors() {
			log.Warn().Str("series", verr.SeriesID).Str("message", verr.Message).Msg("series validation error")
		}
	}()

	// Inbound trade feed.
	sources := make([]string, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		sources = append(sources, src.ID)
	}
	tradeFeed, err := feed.NewFeed(&feed.Config{
		Endpoint:   cfg.Feed.Endpoint,
		Sources:    sources,
		MaxSources: cfg.Feed.MaxSources,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create trade feed")
	}
	batches, err := tradeFeed.Subscribe(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe to trade feed")
	}
	go func() {
		for batch := range batches {
			ctrl.Enqueue(batch)
		}
	}()

	// Display push endpoint.
	pushSrv := &http.Server{
		Addr:    cfg.App.ListenAddr,
		Handler: pushHandler(dispatcher),
	}
	go func() {
		if serveErr := pushSrv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			log.Fatal().Err(serveErr).Msg("push server failed")
		}
	}()

	log.Info().
		Str("listen", cfg.App.ListenAddr).
		Int64("bucketWidthMs", cfg.Aggregation.BucketWidthMs).
		Int("sources", len(cfg.Sources)).
		Int("series", len(cfg.Series)).
		Msg("server starting")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info().Msg("initiating graceful shutdown")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = pushSrv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
}

// upgrader accepts display client connections.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// subscribeRequest is the first message a display client sends; an empty
// series list subscribes to everything.
type subscribeRequest struct {
	Series []string `json:"series"`
}

// pushHandler serves the /stream WebSocket endpoint, forwarding dispatcher
// updates to each connected client.
func pushHandler(dispatcher *sink.Dispatcher) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()

		var req subscribeRequest
		if _, raw, readErr := conn.ReadMessage(); readErr == nil {
			_ = json.Unmarshal(raw, &req)
		}

		sub, err := dispatcher.Subscribe(req.Series)
		if err != nil {
			log.Warn().Err(err).Msg("subscription rejected")
			return
		}
		defer func() {
			if unsubErr := dispatcher.Unsubscribe(sub); unsubErr != nil {
				log.Warn().Err(unsubErr).Msg("failed to unsubscribe client")
			}
		}()

		log.Info().Strs("series", req.Series).Msg("display client connected")

		for update := range sub.Updates() {
			payload, marshalErr := json.Marshal(update)
			if marshalErr != nil {
				log.Error().Err(marshalErr).Msg("failed to marshal update")
				continue
			}
			if writeErr := conn.WriteMessage(websocket.TextMessage, payload); writeErr != nil {
				log.Info().Err(writeErr).Msg("display client disconnected")
				return
			}
		}
	})
	return mux
}
