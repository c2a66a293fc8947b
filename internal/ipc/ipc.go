// Package ipc bridges sandboxed CLI invocations back to tool handlers.
// Tools registered here become callable as shell commands from inside the
// sandbox; argument parsing is derived from each tool's JSON schema, so no
// flag-parsing library is needed on the script side.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/output"
	"github.com/jkaninda/ngome/internal/tools"
)

var (
	// ErrNotFound means the dispatched command name has no registered handler.
	ErrNotFound = errors.New("unknown command")
	// ErrBadArguments means the arguments did not match the tool's schema.
	ErrBadArguments = errors.New("bad arguments")
)

// Handler is a type-erased command handler invoked per IPC call.
type Handler func(ctx context.Context, args []string, stdin []byte) (string, error)

type entry struct {
	handler        Handler
	help           string
	positionalArgs []string
	stdinArg       string
}

// Registry holds configured tool handlers and the schema metadata needed to
// build wrapper scripts. Configuration happens once at session startup;
// dispatch reads are concurrent.
type Registry struct {
	logger *slog.Logger
	store  *output.Store

	mu      sync.RWMutex
	entries map[string]*entry
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithOutputStore routes oversized handler output through the store so only
// a short reference enters the invoking shell's stdout.
func WithOutputStore(store *output.Store) RegistryOption {
	return func(r *Registry) { r.store = store }
}

// NewRegistry creates an empty command registry.
func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:  logger,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ConfigureTool registers a type-erased handler under the tool's declared
// name. Positional arguments are the schema's required fields in order; an
// optional "input" property is fed from process stdin. Registering a name
// twice replaces the prior handler, which allows test and dev overrides.
func (r *Registry) ConfigureTool(t tools.Tool) {
	schema := t.InputSchema()
	name := t.Name()

	handler := func(ctx context.Context, args []string, stdin []byte) (string, error) {
		params, err := argsToParams(schema, args)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBadArguments, err)
		}
		if arg := detectStdinArg(schema); arg != "" && len(stdin) > 0 {
			if _, set := params[arg]; !set {
				params[arg] = string(stdin)
			}
		}
		res, err := t.Execute(ctx, params)
		if err != nil {
			return "", fmt.Errorf("executing %s: %w", name, err)
		}
		return res.Output, nil
	}

	r.configure(name, &entry{
		handler:        handler,
		help:           schemaToHelp(schema),
		positionalArgs: detectPositionalArgs(schema),
		stdinArg:       detectStdinArg(schema),
	})
}

// ConfigureRawHandler registers a bare handler function as an IPC command.
// Useful for dynamic tools discovered at runtime, like MCP tools.
func (r *Registry) ConfigureRawHandler(name, help string, positionalArgs []string, h Handler) {
	r.configure(name, &entry{
		handler:        h,
		help:           help,
		positionalArgs: positionalArgs,
	})
}

func (r *Registry) configure(name string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		r.logger.Warn("replacing configured command", slog.String("command", name))
	}
	r.entries[name] = e
}

func (r *Registry) get(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// IsToolConfigured reports whether a handler is configured under name.
func (r *Registry) IsToolConfigured(name string) bool {
	_, ok := r.get(name)
	return ok
}

// RegisteredToolNames returns all configured command names, sorted.
func (r *Registry) RegisteredToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToolHelp returns the help text configured for a command.
func (r *Registry) ToolHelp(name string) (string, bool) {
	e, ok := r.get(name)
	if !ok {
		return "", false
	}
	return e.help, true
}

// ToolPositionalArgs returns the positional argument names for a command.
func (r *Registry) ToolPositionalArgs(name string) []string {
	e, ok := r.get(name)
	if !ok {
		return nil
	}
	return e.positionalArgs
}

// ToolStdinArg returns the stdin-fed argument name for a command, or "".
func (r *Registry) ToolStdinArg(name string) string {
	e, ok := r.get(name)
	if !ok {
		return ""
	}
	return e.stdinArg
}

// Router dispatches name-keyed commands to configured handlers. Only names
// explicitly registered on the router are dispatchable, even when configured
// in the registry. The zero-value distinction lets callers expose a subset
// of the configured tools per sandbox session.
type Router struct {
	registry *Registry
	metrics  *observability.MetricsCollector
	tracer   trace.Tracer
	names    map[string]struct{}
}

// NewRouter creates a router over a registry. Metrics may be nil.
func NewRouter(registry *Registry, metrics *observability.MetricsCollector) *Router {
	return &Router{
		registry: registry,
		metrics:  metrics,
		names:    make(map[string]struct{}),
	}
}

// WithTracer makes Dispatch emit a span per command. Nil disables tracing.
func (rt *Router) WithTracer(tracer trace.Tracer) *Router {
	rt.tracer = tracer
	return rt
}

// Register adds a dispatch entry for a previously configured command and
// returns the router for chaining:
//
//	router := ipc.NewRouter(reg, nil).Register("websearch").Register("webfetch")
func (rt *Router) Register(name string) *Router {
	rt.names[name] = struct{}{}
	return rt
}

// Names returns the registered dispatch names, sorted.
func (rt *Router) Names() []string {
	names := make([]string, 0, len(rt.names))
	for name := range rt.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch resolves a command by name, marshals argv/stdin into the tool's
// parameters, invokes it, and returns its textual output. Unknown names fail
// with ErrNotFound; schema mismatches fail with ErrBadArguments.
func (rt *Router) Dispatch(ctx context.Context, name string, argv []string, stdin []byte) (string, error) {
	if _, registered := rt.names[name]; !registered {
		rt.record(name, "not_found", 0)
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	e, ok := rt.registry.get(name)
	if !ok {
		rt.record(name, "not_found", 0)
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if hasHelpFlag(argv) {
		return e.help, nil
	}

	if rt.tracer != nil {
		var span trace.Span
		ctx, span = rt.tracer.Start(ctx, "ipc.dispatch",
			trace.WithAttributes(attribute.String("ipc.command", name)))
		defer span.End()
	}

	start := time.Now()
	out, err := e.handler(ctx, argv, stdin)
	elapsed := time.Since(start)
	if err != nil {
		status := "error"
		if errors.Is(err, ErrBadArguments) {
			status = "bad_arguments"
		}
		rt.record(name, status, elapsed)
		return "", err
	}
	rt.record(name, "ok", elapsed)

	return rt.wrapLarge(ctx, out), nil
}

// wrapLarge persists oversized output through the store and substitutes the
// stored-file reference, keeping the shell-visible result small.
func (rt *Router) wrapLarge(ctx context.Context, out string) string {
	if rt.registry.store == nil || len(out) <= rt.registry.store.InlineLimit() {
		return out
	}
	saved, err := rt.registry.store.Save(ctx, []byte(out), output.FormatText, "")
	if err != nil {
		rt.registry.logger.Warn("storing command output", slog.Any("error", err))
		return out
	}
	if saved.IsStored() && saved.Content != nil {
		return saved.Content.Text
	}
	return out
}

func (rt *Router) record(command, status string, elapsed time.Duration) {
	if rt.metrics == nil {
		return
	}
	rt.metrics.DispatchesTotal.WithLabelValues(command, status).Inc()
	if elapsed > 0 {
		rt.metrics.DispatchDuration.WithLabelValues(command).Observe(elapsed.Seconds())
	}
}
