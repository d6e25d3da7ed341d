package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	exposition      = "text/plain; version=0.0.4; charset=utf-8"
	shutdownTimeout = 5 * time.Second
)

type registry struct {
	http   *httpCollector
	anchor *anchorCollector
}

var defaultRegistry = newRegistry()

func newRegistry() *registry {
	return &registry{http: newHTTPCollector(), anchor: newAnchorCollector()}
}

// snapshot renders every collector in a stable order.
func (r *registry) snapshot() []byte {
	var b strings.Builder
	b.Grow(2048)
	r.http.writeTo(&b)
	r.anchor.writeTo(&b)
	return []byte(b.String())
}

// Reset drops all series; tests call it between cases.
func Reset() { defaultRegistry = newRegistry() }

// Handler serves the Prometheus text format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", exposition)
		_, _ = w.Write(defaultRegistry.snapshot())
	})
}

// StartServer blocks serving GET /metrics on addr. Cancelling ctx shuts the
// listener down gracefully and returns nil.
func StartServer(ctx context.Context, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("metrics address is empty")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
		return nil
	}
	return err
}
