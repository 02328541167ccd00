package workers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

const shutdownTimeout = 5 * time.Second

// HTTPServerWorker serves HTTP until its context is canceled, then shuts
// the server down gracefully. A listener failure is returned so the
// supervisor restarts it.
type HTTPServerWorker struct {
	log    *slog.Logger
	server *http.Server
}

func NewHTTPServerWorker(log *slog.Logger, server *http.Server) *HTTPServerWorker {
	return &HTTPServerWorker{log: log, server: server}
}

func (w *HTTPServerWorker) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		w.log.Info("HTTP server listening", "addr", w.server.Addr)
		errCh <- w.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := w.server.Shutdown(shutdownCtx); err != nil {
			w.log.Error("HTTP server shutdown failed", "error", err)
		}
		<-errCh
		w.log.Info("HTTP server stopped")
		return nil
	}
}
