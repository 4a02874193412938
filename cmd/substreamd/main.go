// Command substreamd is a wiring example for the session engine: an
// HTTP server exposing one subscription's stream over a chunked
// response, backed by etcd coordination and a franz-go event source.
// Grounded on the teacher's cmd-less library shape generalized the way
// a consuming service would assemble it, enriched with the zap/otel
// stack the rest of this module depends on.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hazelstream/substream/coordination"
	"github.com/hazelstream/substream/dlq"
	"github.com/hazelstream/substream/logger"
	"github.com/hazelstream/substream/model"
	"github.com/hazelstream/substream/output"
	"github.com/hazelstream/substream/plugins/zaplogger"
	"github.com/hazelstream/substream/session"
	"github.com/hazelstream/substream/storage"
	"github.com/hazelstream/substream/telemetry"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "substreamd:", err)
		os.Exit(1)
	}
}

func run() error {
	zl, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build zap logger: %w", err)
	}
	defer zl.Sync()
	log := zaplogger.New(zl).With("component", "substreamd")

	tel, err := telemetry.New(nil, nil, nil)
	if err != nil {
		return fmt.Errorf("build telemetry: %w", err)
	}

	etcdCli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{envOrDefault("SUBSTREAM_ETCD_ENDPOINTS", "localhost:2379")},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("connect to etcd: %w", err)
	}
	defer etcdCli.Close()

	bootstrapServers := []string{envOrDefault("SUBSTREAM_KAFKA_BOOTSTRAP", "localhost:9092")}

	dlqPublisher, err := dlq.NewKgoPublisher(bootstrapServers)
	if err != nil {
		return fmt.Errorf("build dlq publisher: %w", err)
	}
	defer dlqPublisher.Close()

	srv := &server{
		log:              log,
		telemetry:        tel,
		etcdCli:          etcdCli,
		bootstrapServers: bootstrapServers,
		dlqPublisher:     dlqPublisher,
		sessions:         make(map[string]*session.Session),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/subscriptions/{id}/events", srv.handleStream)
	mux.HandleFunc("/subscriptions/{id}/cursors", srv.handleCommit)

	httpServer := &http.Server{
		Addr:    envOrDefault("SUBSTREAM_LISTEN_ADDR", ":8080"),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// server holds the collaborators shared across every streamed
// subscription; each request builds its own session.Session against
// them, keyed by the stream ID so the commit endpoint can route an
// acknowledgement back to the right loop.
type server struct {
	log       logger.Logger
	telemetry *telemetry.Telemetry

	etcdCli          *clientv3.Client
	bootstrapServers []string
	dlqPublisher     dlq.Publisher

	mu       sync.Mutex
	sessions map[string]*session.Session
}

func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	subscriptionID := r.PathValue("id")
	if subscriptionID == "" {
		http.Error(w, "missing subscription id", http.StatusBadRequest)
		return
	}

	streamID := uuid.NewString()
	clientID := r.Header.Get("X-Client-Id")

	sub := model.Subscription{
		ID:         subscriptionID,
		EventTypes: r.URL.Query()["event_type"],
	}

	params := parseStreamParameters(r)

	coordClient := coordination.NewEtcdClient(s.etcdCli, "/substream/subscriptions/"+subscriptionID, s.log)

	storageClient, err := storage.NewKgoStorage(
		storage.WithBootstrapServers(s.bootstrapServers),
		storage.WithPollTimeout(params.KafkaPollTimeout),
		storage.WithLogger(s.log),
	)
	if err != nil {
		http.Error(w, "failed to connect to event source", http.StatusServiceUnavailable)
		return
	}

	out, err := output.NewHTTPStream(w, s.log)
	if err != nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sess, err := session.New(session.Config{
		Session: model.Session{
			ID:             streamID,
			SubscriptionID: subscriptionID,
			ClientID:       clientID,
			CreatedAt:      time.Now(),
		},
		Subscription: sub,
		Params:       params,
		Coordination: coordClient,
		Storage:      storageClient,
		Output:       out,
	},
		session.WithDLQPublisher(s.dlqPublisher),
		session.WithLogger(s.log.With("streamId", streamID, "subscriptionId", subscriptionID)),
		session.WithTelemetry(s.telemetry),
	)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.register(streamID, sess)
	defer s.unregister(streamID)

	go func() {
		<-r.Context().Done()
		sess.Terminate()
	}()

	if err := sess.Stream(); err != nil {
		s.log.Warn("session ended with error", "streamId", streamID, "error", err)
	}
}

func (s *server) handleCommit(w http.ResponseWriter, r *http.Request) {
	streamID := r.Header.Get("X-Nakadi-StreamId")
	sessionID := r.Header.Get("X-Substream-Session-Id")
	if sessionID == "" {
		sessionID = streamID
	}

	sess, ok := s.lookup(streamID)
	if !ok {
		http.Error(w, "unknown stream id", http.StatusNotFound)
		return
	}

	var body struct {
		Cursors []model.Cursor `json:"cursors"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed commit body", http.StatusBadRequest)
		return
	}

	if err := sess.CommitGateway().ValidateCommit(r.Context(), streamID, sessionID, body.Cursors); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	committed, err := sess.Commit(body.Cursors)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Committed []bool `json:"committed"`
	}{Committed: committed})
}

func (s *server) register(streamID string, sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[streamID] = sess
}

func (s *server) unregister(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, streamID)
}

func (s *server) lookup(streamID string) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[streamID]
	return sess, ok
}

func parseStreamParameters(r *http.Request) model.StreamParameters {
	params := model.DefaultStreamParameters()

	if v := r.URL.Query().Get("batch_limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.BatchLimitEvents = n
		}
	}
	if v := r.URL.Query().Get("batch_flush_timeout"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.BatchFlushTimeout = time.Duration(n) * time.Second
		}
	}
	if v := r.URL.Query().Get("stream_timeout"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.StreamTimeout = time.Duration(n) * time.Second
		}
	}
	if v := r.URL.Query().Get("stream_limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.StreamLimitEvents = n
		}
	}
	if v := r.URL.Query().Get("stream_keep_alive_limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.StreamKeepAliveLimit = n
		}
	}
	if v := r.URL.Query().Get("commit_timeout"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.CommitTimeout = time.Duration(n) * time.Second
		}
	}
	if v := r.URL.Query().Get("max_uncommitted_events"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.MaxUncommittedEvents = n
		}
	}

	return params
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
