package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const collectInterval = 15 * time.Second

// Exporter serves /metrics and /healthz over HTTP and refreshes the runtime
// gauges while it runs.
type Exporter struct {
	addr      string
	collector *Collector
	server    *http.Server

	mu     sync.Mutex
	ln     net.Listener
	health func() error

	stopOnce sync.Once
	stop     chan struct{}
}

// NewExporter creates a metrics exporter
func NewExporter(addr string) *Exporter {
	e := &Exporter{
		addr:      addr,
		collector: NewCollector(),
		stop:      make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", e.serveHealth)
	e.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return e
}

// SetHealth installs the check behind /healthz. A nil error reports 200.
func (e *Exporter) SetHealth(fn func() error) {
	e.mu.Lock()
	e.health = fn
	e.mu.Unlock()
}

// Addr returns the bound address once listening, else the configured one.
func (e *Exporter) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ln != nil {
		return e.ln.Addr().String()
	}
	return e.addr
}

// Start serves until Stop is called.
func (e *Exporter) Start() error {
	ln, err := net.Listen("tcp", e.addr)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.ln = ln
	e.mu.Unlock()

	go e.collectLoop()

	if err := e.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down and ends the collect loop.
func (e *Exporter) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stop) })
	return e.server.Shutdown(ctx)
}

func (e *Exporter) collectLoop() {
	e.collector.Collect()

	ticker := time.NewTicker(collectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.collector.Collect()
		case <-e.stop:
			return
		}
	}
}

func (e *Exporter) serveHealth(w http.ResponseWriter, _ *http.Request) {
	e.mu.Lock()
	check := e.health
	e.mu.Unlock()

	if check != nil {
		if err := check(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}
