// Package runner serves the application inside the current process. It is
// the single-process strategy and the body of every pool worker.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/turtacn/proton/internal/resource"
	"github.com/turtacn/proton/internal/supervisor"
	perrors "github.com/turtacn/proton/pkg/errors"
	"github.com/turtacn/proton/pkg/logger"
	"github.com/turtacn/proton/pkg/protocol"
	"github.com/turtacn/proton/pkg/webapp"
)

type Runner struct {
	cfg     protocol.Config
	app     webapp.App
	sockets *resource.SocketManager
	log     logger.Logger

	mu       sync.Mutex
	started  bool
	srv      *http.Server
	stopOnce sync.Once
	stopErr  error
	served   chan struct{}
	done     chan struct{}
}

type Option func(*Runner)

// WithApp serves app instead of looking cfg.Webapp up in the registry.
func WithApp(app webapp.App) Option { return func(r *Runner) { r.app = app } }

func WithSockets(sm *resource.SocketManager) Option { return func(r *Runner) { r.sockets = sm } }

func WithLogger(l logger.Logger) Option { return func(r *Runner) { r.log = l } }

func New(cfg protocol.Config, opts ...Option) *Runner {
	r := &Runner{
		cfg:    cfg,
		log:    logger.Log.With("component", "runner"),
		served: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	if r.sockets == nil {
		r.sockets = resource.NewSocketManager()
	}
	return r
}

// Start prepares the application, obtains the listener and begins serving.
func (r *Runner) Start(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return "", errors.New("runner already started")
	}
	r.started = true
	r.mu.Unlock()

	app := r.app
	if app == nil {
		var err error
		if app, err = webapp.Load(r.cfg.Webapp); err != nil {
			return "", perrors.New(perrors.ErrCodeConfigInvalid, "Start", "cannot load webapp", err)
		}
	}
	if err := webapp.Prepare(ctx, app); err != nil {
		return "", perrors.New(perrors.ErrCodeHandlerFailed, "OnBeforeStart", "webapp failed to start", err)
	}

	l, err := r.sockets.EnsureListener(r.cfg.ListenAddress())
	if err != nil {
		return "", err
	}
	port := r.cfg.Port
	if port == 0 {
		if port, err = resource.Port(l); err != nil {
			return "", err
		}
	}

	srv := &http.Server{
		Handler:           Recoverer(app, r.log),
		ReadHeaderTimeout: 30 * time.Second,
	}
	r.mu.Lock()
	r.srv = srv
	r.mu.Unlock()

	go func() {
		defer close(r.served)
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("server stopped", "error", err)
			go r.Stop(context.Background())
		}
	}()
	return r.cfg.Address(port), nil
}

// Stop shuts the server down, letting in-flight requests finish within the
// drain timeout. It is idempotent.
func (r *Runner) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		defer close(r.done)

		r.mu.Lock()
		srv := r.srv
		r.mu.Unlock()
		if srv == nil {
			r.sockets.Close()
			return
		}

		sctx, cancel := context.WithTimeout(ctx, r.cfg.DrainTimeoutDuration())
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			r.log.Warn("drain timed out, closing connections", "error", err)
			srv.Close()
			r.stopErr = err
		}
		<-r.served
		r.sockets.Close()
		r.log.Debug("server stopped")
	})
	<-r.done
	return r.stopErr
}

func (r *Runner) GracefulReload(ctx context.Context) error {
	r.log.Warn("graceful reload is not supported in single process mode")
	return nil
}

func (r *Runner) Done() <-chan struct{} { return r.done }

// Recoverer turns a panicking handler into a 500 response.
func Recoverer(next http.Handler, log logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			err := perrors.New(perrors.ErrCodeHandlerFailed, "ServeHTTP", fmt.Sprint(rec), nil)
			log.Error("handler panicked", "method", req.Method, "path", req.URL.Path, "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, req)
	})
}

var _ supervisor.Supervisor = (*Runner)(nil)

// Personal.AI order the ending
