// Package registry is the name to endpoint directory shared by the host and
// the guest. The host binds service endpoints under well-known names; the
// guest resolves the registry through the fixed host alias and port, looks
// a name up, then calls its methods. One Registry is created per sandbox
// session and closed with it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/michaelbrown/jsand/internal/wire"
)

// DefaultPort is the well-known registry port.
const DefaultPort = 1099

// maxRequestSize bounds a single call body. Log events and class names
// are far below this.
const maxRequestSize = 1 << 20

// MethodFunc handles one call. raw is the CBOR request body. A nil result
// produces an envelope with no data.
type MethodFunc func(ctx context.Context, raw []byte) (any, error)

// Endpoint is the method table published under one service name.
type Endpoint map[string]MethodFunc

// CallObserver receives one notification per dispatched call.
type CallObserver interface {
	ObserveCall(service, method, status string, elapsed time.Duration)
}

// Binding describes a bound name to a looking-up client.
type Binding struct {
	Name    string   `cbor:"name"`
	Methods []string `cbor:"methods"`
}

// Response is the envelope of every call answer.
type Response struct {
	OK    bool            `cbor:"ok"`
	Error string          `cbor:"error,omitempty"`
	Kind  string          `cbor:"kind,omitempty"`
	Data  wire.RawMessage `cbor:"data,omitempty"`
}

type namesResponse struct {
	Names []string `cbor:"names"`
}

// Registry holds the bindings of one session and serves them over HTTP.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]Endpoint

	logger   *slog.Logger
	observer CallObserver
	tracing  bool

	router   chi.Router
	http     *http.Server
	listener net.Listener
	served   chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithObserver reports every call to o.
func WithObserver(o CallObserver) Option {
	return func(r *Registry) { r.observer = o }
}

// WithTracing wraps the HTTP handler with OpenTelemetry instrumentation.
func WithTracing() Option {
	return func(r *Registry) { r.tracing = true }
}

// New creates an empty registry. It does not listen until Listen is called.
func New(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Registry{
		bindings: make(map[string]Endpoint),
		logger:   logger,
		router:   chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.setupRoutes()
	return r
}

func (r *Registry) setupRoutes() {
	rt := r.router
	rt.Use(middleware.Recoverer)

	rt.Route("/registry", func(rt chi.Router) {
		rt.Use(cborContentType)
		rt.Get("/", r.handleNames)
		rt.Get("/{name}", r.handleLookup)
		rt.Post("/{name}/{method}", r.handleCall)
	})
}

func cborContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", wire.ContentType)
		next.ServeHTTP(w, req)
	})
}

// Bind publishes ep under name, replacing any existing binding.
func (r *Registry) Bind(name string, ep Endpoint) {
	r.mu.Lock()
	_, replaced := r.bindings[name]
	r.bindings[name] = ep
	r.mu.Unlock()

	r.logger.Debug("service bound", "name", name, "replaced", replaced)
}

// Unbind removes the binding for name and reports whether one existed.
func (r *Registry) Unbind(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bindings[name]
	delete(r.bindings, name)
	return ok
}

// Lookup returns the endpoint bound under name.
func (r *Registry) Lookup(name string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.bindings[name]
	return ep, ok
}

// Names returns the bound names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.bindings))
	for name := range r.bindings {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Handler returns the HTTP handler serving the registry protocol.
func (r *Registry) Handler() http.Handler {
	if r.tracing {
		return otelhttp.NewHandler(r.router, "registry")
	}
	return r.router
}

// Listen binds addr and starts serving in the background. Use port 0 to
// pick a free port; Addr reports the address actually bound.
func (r *Registry) Listen(addr string) error {
	if r.listener != nil {
		return fmt.Errorf("registry already listening on %s", r.listener.Addr())
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	r.listener = ln
	r.http = &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	r.served = make(chan struct{})

	go func() {
		defer close(r.served)
		if err := r.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("registry serve failed", "addr", addr, "error", err)
		}
	}()

	r.logger.Info("registry listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (r *Registry) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// Close stops the server and drops every binding. Calls still in flight
// when ctx expires are cut off. Closing a registry that never listened is
// a no-op.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.bindings = make(map[string]Endpoint)
	r.mu.Unlock()

	if r.http == nil {
		return nil
	}
	err := r.http.Shutdown(ctx)
	if err != nil {
		r.http.Close()
	}
	<-r.served
	r.http = nil
	r.listener = nil
	return err
}

// --- handlers ---

func (r *Registry) handleNames(w http.ResponseWriter, req *http.Request) {
	writeCBOR(w, http.StatusOK, namesResponse{Names: r.Names()})
}

func (r *Registry) handleLookup(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "name")
	ep, ok := r.Lookup(name)
	if !ok {
		writeCBOR(w, http.StatusNotFound, Response{Error: "not bound: " + name, Kind: KindNotBound})
		return
	}

	methods := make([]string, 0, len(ep))
	for m := range ep {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	writeCBOR(w, http.StatusOK, Binding{Name: name, Methods: methods})
}

func (r *Registry) handleCall(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "name")
	method := chi.URLParam(req, "method")
	start := time.Now()

	status := "ok"
	defer func() {
		if r.observer != nil {
			r.observer.ObserveCall(name, method, status, time.Since(start))
		}
	}()

	ep, ok := r.Lookup(name)
	if !ok {
		status = KindNotBound
		writeCBOR(w, http.StatusNotFound, Response{Error: "not bound: " + name, Kind: KindNotBound})
		return
	}
	fn, ok := ep[method]
	if !ok {
		status = KindUnknownMethod
		writeCBOR(w, http.StatusNotFound, Response{
			Error: fmt.Sprintf("%s has no method %q", name, method),
			Kind:  KindUnknownMethod,
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxRequestSize+1))
	if err != nil || len(body) > maxRequestSize {
		status = KindBadRequest
		writeCBOR(w, http.StatusBadRequest, Response{Error: "unreadable or oversized request", Kind: KindBadRequest})
		return
	}

	result, err := fn(req.Context(), body)
	if err != nil {
		status = kindOf(err)
		r.logger.Debug("call failed", "service", name, "method", method, "error", err)
		writeCBOR(w, http.StatusOK, Response{Error: err.Error(), Kind: status})
		return
	}

	resp := Response{OK: true}
	if result != nil {
		data, err := wire.Marshal(result)
		if err != nil {
			status = KindInternal
			writeCBOR(w, http.StatusInternalServerError, Response{Error: "encoding result: " + err.Error(), Kind: KindInternal})
			return
		}
		resp.Data = data
	}
	writeCBOR(w, http.StatusOK, resp)
}

func writeCBOR(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	wire.NewEncoder(w).Encode(v)
}
