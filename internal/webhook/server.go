// Package webhook receives Microsoft Graph change notifications for Planner
// and republishes them as change hints. It never applies a change itself:
// the engine re-reads whatever a hint points at.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/annika-hq/plannersync/internal/eventbus"
)

const (
	// NotificationsPath is where Graph posts change notifications.
	NotificationsPath = "/webhooks/planner"
	// HealthPath serves the engine health document.
	HealthPath = "/health"

	maxBatchBytes = 1 << 20
)

// HealthFunc returns the health document and whether the engine is healthy.
type HealthFunc func(ctx context.Context) (report any, ok bool)

// Receiver turns notification batches into hints.
type Receiver struct {
	pub         eventbus.Publisher
	clientState string
	health      HealthFunc
	log         *slog.Logger

	shutdownGrace time.Duration
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithClientState sets the secret every notification must carry. Empty
// accepts any.
func WithClientState(s string) Option { return func(r *Receiver) { r.clientState = s } }

// WithHealth serves fn on HealthPath.
func WithHealth(fn HealthFunc) Option { return func(r *Receiver) { r.health = fn } }

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Receiver) {
		if log != nil {
			r.log = log
		}
	}
}

// WithShutdownGrace bounds how long Run waits for open requests.
func WithShutdownGrace(d time.Duration) Option { return func(r *Receiver) { r.shutdownGrace = d } }

// NewReceiver creates a receiver publishing to pub. A nil pub counts hints
// without sending them.
func NewReceiver(pub eventbus.Publisher, opts ...Option) *Receiver {
	r := &Receiver{
		pub:           pub,
		log:           slog.New(slog.DiscardHandler),
		shutdownGrace: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handler routes NotificationsPath and HealthPath.
func (r *Receiver) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+NotificationsPath, r.notifications)
	mux.HandleFunc("GET "+HealthPath, r.healthz)
	return mux
}

// Run serves on addr until ctx is done, then drains open requests.
func (r *Receiver) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return r.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (r *Receiver) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       time.Minute,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	r.log.Info("webhook listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), r.shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// BatchResult is the JSON body answered to a notification batch.
type BatchResult struct {
	Accepted int    `json:"accepted"`
	Ignored  int    `json:"ignored"`
	Error    string `json:"error,omitempty"`
}

// notifications answers Graph's validation handshake by echoing
// validationToken as text/plain, and otherwise publishes one hint per
// Planner notification. One bad clientState rejects the whole batch.
func (r *Receiver) notifications(w http.ResponseWriter, req *http.Request) {
	if token := req.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, token)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxBatchBytes))
	if err != nil {
		reply(w, http.StatusBadRequest, BatchResult{Error: "unreadable body"})
		return
	}
	batch, err := ParseBatch(body)
	if err != nil {
		reply(w, http.StatusBadRequest, BatchResult{Error: err.Error()})
		return
	}
	for _, n := range batch {
		if !ValidClientState(n.ClientState, r.clientState) {
			r.log.Warn("rejecting notification with bad clientState", "subscription", n.SubscriptionID)
			reply(w, http.StatusUnauthorized, BatchResult{Error: "clientState mismatch"})
			return
		}
	}

	var res BatchResult
	for _, n := range batch {
		ev, ok := n.Hint()
		if !ok {
			res.Ignored++
			continue
		}
		if r.pub != nil {
			if err := r.pub.Publish(req.Context(), ev); err != nil {
				r.log.Warn("publishing hint failed", "resource", n.Resource, "error", err)
				reply(w, http.StatusServiceUnavailable, BatchResult{Error: "hint channel unavailable"})
				return
			}
		}
		res.Accepted++
	}
	r.log.Debug("notifications received", "accepted", res.Accepted, "ignored", res.Ignored)
	reply(w, http.StatusAccepted, res)
}

func (r *Receiver) healthz(w http.ResponseWriter, req *http.Request) {
	if r.health == nil {
		reply(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	report, ok := r.health(req.Context())
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	reply(w, status, report)
}

func reply(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
