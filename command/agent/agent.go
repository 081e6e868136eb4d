package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	gometrics "github.com/hashicorp/go-metrics"
	prometheussink "github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coalescehq/trackstream/storage/boltstore"
	"github.com/coalescehq/trackstream/storage/memstore"
	"github.com/coalescehq/trackstream/stream"
)

// Agent binds an EmbeddedEventStore to an HTTP server exposing a
// publish endpoint, a websocket tailing endpoint, and a Prometheus
// metrics endpoint.
type Agent struct {
	logger hclog.Logger
	cfg    *Config
	store  *stream.EmbeddedEventStore
	closer func() error

	server   *http.Server
	upgrader websocket.Upgrader
}

// New constructs an Agent from cfg, choosing a bbolt-backed store when
// DataDir is set and an in-memory one otherwise.
func New(logger hclog.Logger, cfg *Config) (*Agent, error) {
	fetchDelay, err := cfg.fetchDelay()
	if err != nil {
		return nil, fmt.Errorf("agent: fetch_delay: %w", err)
	}
	cleanupDelay, err := cfg.cleanupDelay()
	if err != nil {
		return nil, fmt.Errorf("agent: cleanup_delay: %w", err)
	}

	var (
		engine stream.StorageEngine
		closer func() error
	)
	if cfg.DataDir != "" {
		bolt, err := boltstore.Open(cfg.DataDir + "/events.db")
		if err != nil {
			return nil, err
		}
		engine, closer = bolt, bolt.Close
	} else {
		mem, err := memstore.New()
		if err != nil {
			return nil, err
		}
		engine, closer = mem, func() error { return nil }
	}

	storeCfg := stream.Config{
		CachedEvents: cfg.CachedEvents,
		FetchDelay:   fetchDelay,
		CleanupDelay: cleanupDelay,
		Logger:       logger,
	}

	if err := setupPrometheusSink(); err != nil {
		return nil, err
	}

	return &Agent{
		logger: logger.Named("agent"),
		cfg:    cfg,
		store:  stream.New(engine, storeCfg),
		closer: closer,
	}, nil
}

// setupPrometheusSink wires go-metrics (the sink the core store
// reports through) to a Prometheus registry served by promhttp, the
// way Nomad's telemetry setup chains an in-process metrics API to
// whichever external systems are configured.
func setupPrometheusSink() error {
	sink, err := prometheussink.NewPrometheusSink()
	if err != nil {
		return fmt.Errorf("agent: prometheus sink: %w", err)
	}
	conf := gometrics.DefaultConfig("trackstream")
	conf.EnableHostname = false
	if _, err := gometrics.NewGlobal(conf, sink); err != nil {
		return fmt.Errorf("agent: metrics sink: %w", err)
	}
	return nil
}

// Start binds the HTTP listener and serves until Stop is called.
func (a *Agent) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/publish", a.handlePublish)
	mux.HandleFunc("/v1/stream/", a.handleStream)
	mux.Handle("/metrics", promhttp.Handler())

	a.server = &http.Server{Addr: a.cfg.BindAddr, Handler: mux}
	a.logger.Info("agent starting", "bind_addr", a.cfg.BindAddr)

	err := a.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts down the HTTP server and the underlying event store.
func (a *Agent) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("http shutdown did not complete cleanly", "error", err)
		}
	}
	if err := a.store.ShutDown(); err != nil {
		return err
	}
	return a.closer()
}

type publishRequest struct {
	Events []struct {
		Topic   string `json:"topic"`
		Key     string `json:"key"`
		Payload any    `json:"payload"`
	} `json:"events"`
}

func (a *Agent) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	events := make([]stream.EventMessage, len(req.Events))
	for i, e := range req.Events {
		events[i] = stream.EventMessage{Topic: e.Topic, Key: e.Key, Payload: e.Payload}
	}

	tracked, err := a.store.Publish(r.Context(), events)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	tokens := make([]string, len(tracked))
	for i, t := range tracked {
		tokens[i] = t.Token.String()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"tokens": tokens})
}

// handleStream upgrades to a websocket and relays every event past
// the token named in the path (an empty segment meaning the
// beginning of the log) until the client disconnects.
func (a *Agent) handleStream(w http.ResponseWriter, r *http.Request) {
	tokenParam := r.URL.Path[len("/v1/stream/"):]

	var token stream.TrackingToken
	if tokenParam != "" {
		seq, err := strconv.ParseUint(tokenParam, 10, 64)
		if err != nil {
			http.Error(w, "invalid token", http.StatusBadRequest)
			return
		}
		token = stream.SequenceToken(seq)
	}

	filter := r.URL.Query().Get("filter")
	var (
		sub stream.TrackingEventStream
		err error
	)
	if filter != "" {
		sub, err = a.store.OpenStreamFiltered(r.Context(), token, filter)
	} else {
		sub, err = a.store.OpenStream(r.Context(), token)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer sub.Close()

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	for {
		event, err := sub.NextAvailable(ctx)
		if err != nil {
			return
		}
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
}
