// Package bootstrap holds the process wiring shared by the api and worker binaries.
package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"curve-dispatch/internal/config"
	"curve-dispatch/internal/infrastructure"
	"curve-dispatch/internal/messaging"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	r "gopkg.in/rethinkdb/rethinkdb-go.v6"
)

const (
	connectAttempts = 10
	connectBackoff  = 2 * time.Second
)

// NewLogger builds the process logger and installs it as the zap global.
func NewLogger(format string) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if format == "console" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// Retry calls fn up to attempts times, waiting attempt*backoff between calls.
func Retry(ctx context.Context, logger *zap.Logger, what string, attempts int, backoff time.Duration, fn func() error) error {
	var err error
	for i := 1; i <= attempts; i++ {
		logger.Info("Connecting", zap.String("target", what), zap.Int("attempt", i), zap.Int("of", attempts))
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		wait := time.Duration(i) * backoff
		logger.Warn("Connection failed, retrying",
			zap.String("target", what),
			zap.Duration("wait", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("connect to %s: %w", what, ctx.Err())
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("failed to connect to %s after %d attempts: %w", what, attempts, err)
}

func ConnectRethinkDB(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*r.Session, error) {
	var session *r.Session
	err := Retry(ctx, logger, "rethinkdb", connectAttempts, connectBackoff, func() error {
		s, err := r.Connect(r.ConnectOpts{
			Address:    cfg.RethinkDBURL,
			Database:   cfg.DBName,
			MaxOpen:    20,
			InitialCap: 5,
			Timeout:    10 * time.Second,
		})
		if err != nil {
			return err
		}
		if err := pingRethinkDB(ctx, s); err != nil {
			s.Close()
			return err
		}
		session = s
		return nil
	})
	return session, err
}

func pingRethinkDB(ctx context.Context, session *r.Session) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cursor, err := r.Now().Run(session, r.RunOpts{Context: ctx})
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	defer cursor.Close()

	var now time.Time
	if err := cursor.One(&now); err != nil {
		return fmt.Errorf("failed to read server time: %w", err)
	}
	return nil
}

func ConnectRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) (messaging.MessageClient, error) {
	var client messaging.MessageClient
	err := Retry(ctx, logger, "redis", connectAttempts, connectBackoff, func() error {
		c, err := messaging.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB,
			cfg.StreamName, cfg.ConsumerGroup, logger)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	return client, err
}

// NewBlobStore picks the blob backend named by the configuration.
func NewBlobStore(cfg *config.Config, logger *zap.Logger) (infrastructure.BlobStore, error) {
	switch cfg.BlobBackend {
	case config.BlobBackendFS:
		return infrastructure.NewFSBlobStore(afero.NewOsFs(), cfg.BlobRoot, cfg.MaxBlobBytes), nil
	case config.BlobBackendHTTP:
		return infrastructure.NewHTTPBlobStore(cfg.BlobHTTPTimeout, cfg.MaxBlobBytes, logger), nil
	}
	return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
}

// Check is one dependency probed by the health endpoint.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

func RedisCheck(client messaging.MessageClient) Check {
	return Check{Name: "redis", Probe: func(context.Context) error { return client.HealthCheck() }}
}

func RethinkCheck(session *r.Session) Check {
	return Check{Name: "rethinkdb", Probe: func(ctx context.Context) error {
		cursor, err := r.Expr(1).Run(session, r.RunOpts{Context: ctx})
		if err != nil {
			return err
		}
		return cursor.Close()
	}}
}

// HealthMux serves /health, which runs every check, and /ready.
func HealthMux(service string, checks ...Check) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 3*time.Second)
		defer cancel()

		for _, c := range checks {
			if err := c.Probe(ctx); err != nil {
				http.Error(w, fmt.Sprintf("%s: %v", c.Name, err), http.StatusServiceUnavailable)
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":    "healthy",
			"service":   service,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	return mux
}

func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Serve runs srv until ctx is done, then shuts it down within 30 seconds.
func Serve(ctx context.Context, logger *zap.Logger, name string, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("server", name), zap.String("addr", srv.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	logger.Info("Shutting down server", zap.String("server", name))
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s server shutdown: %w", name, err)
	}
	return nil
}
