// Package permission decides whether a requested shell action is authorized.
//
// Execution modes carry different requirements:
//   - sandboxed: no approval needed (read-only fs, no network)
//   - network: first-use approval only
//   - unsafe: per-script approval required
package permission

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jkaninda/ngome/internal/observability"
)

// Sentinel errors for permission outcomes.
var (
	ErrDenied      = errors.New("permission denied")
	ErrInterrupted = errors.New("permission check interrupted")
)

// Mode is the permission mode for a bash execution.
type Mode string

const (
	// ModeSandboxed runs with a read-only filesystem and no network.
	// IPC commands still work. No approval needed.
	ModeSandboxed Mode = "sandboxed"

	// ModeNetwork runs sandboxed with network access enabled.
	// Requires first-use approval.
	ModeNetwork Mode = "network"

	// ModeUnsafe runs without a sandbox, with full system access.
	// Requires per-script approval.
	ModeUnsafe Mode = "unsafe"
)

// ParseMode maps a string to a Mode. The empty string means sandboxed.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSandboxed, "":
		return ModeSandboxed, nil
	case ModeNetwork:
		return ModeNetwork, nil
	case ModeUnsafe:
		return ModeUnsafe, nil
	default:
		return "", fmt.Errorf("unknown permission mode %q", s)
	}
}

// RequiresApproval reports whether this mode needs user approval at all.
func (m Mode) RequiresApproval() bool {
	return m == ModeNetwork || m == ModeUnsafe
}

// RequiresPerScriptApproval reports whether approval is needed per script
// rather than once per session.
func (m Mode) RequiresPerScriptApproval() bool {
	return m == ModeUnsafe
}

// Description returns a human-readable description of the mode.
func (m Mode) Description() string {
	switch m {
	case ModeNetwork:
		return "network-enabled sandbox"
	case ModeUnsafe:
		return "unsafe (no sandbox, full access)"
	default:
		return "sandboxed (read-only, no network)"
	}
}

// Handler decides whether bash executions are allowed.
//
// Every Handler must answer every request; interactive implementations
// must honor ctx cancellation rather than hang.
type Handler interface {
	// Check reports whether the given mode and script are allowed.
	// A denial with a reason comes back as (false, nil) wrapped by the
	// caller, or as an error carrying ErrDenied for hard refusals.
	Check(ctx context.Context, mode Mode, script string) (bool, error)
}

// AllowAll permits everything. Intended for tests and the unsafe profile.
type AllowAll struct{}

func (AllowAll) Check(context.Context, Mode, string) (bool, error) { return true, nil }

// DenyUnsafe allows sandboxed execution and refuses every mode that
// would need approval. The fail-safe default when no interactive
// handler is configured.
type DenyUnsafe struct{}

func (DenyUnsafe) Check(_ context.Context, mode Mode, _ string) (bool, error) {
	if mode == ModeSandboxed {
		return true, nil
	}
	return false, fmt.Errorf("%w: %s mode requires approval but no interactive handler is configured",
		ErrDenied, mode.Description())
}

// Stateful wraps an interactive handler and caches the network-mode
// approval: the first approved network check covers the whole session,
// while unsafe scripts are always re-checked.
type Stateful struct {
	inner           Handler
	metrics         *observability.MetricsCollector
	networkApproved atomic.Bool
}

// StatefulOption configures a Stateful handler.
type StatefulOption func(*Stateful)

// WithNetworkApproved starts the session with network mode already
// approved, for hosts whose network egress is restricted elsewhere.
func WithNetworkApproved() StatefulOption {
	return func(s *Stateful) { s.networkApproved.Store(true) }
}

// NewStateful wraps inner with first-use network approval caching.
func NewStateful(inner Handler, metrics *observability.MetricsCollector, opts ...StatefulOption) *Stateful {
	s := &Stateful{inner: inner, metrics: metrics}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NetworkApproved reports whether network mode has been approved.
func (s *Stateful) NetworkApproved() bool { return s.networkApproved.Load() }

// ApproveNetwork marks network mode as approved for the session.
func (s *Stateful) ApproveNetwork() { s.networkApproved.Store(true) }

func (s *Stateful) Check(ctx context.Context, mode Mode, script string) (bool, error) {
	allowed, err := s.check(ctx, mode, script)
	s.record(mode, allowed, err)
	return allowed, err
}

func (s *Stateful) check(ctx context.Context, mode Mode, script string) (bool, error) {
	switch mode {
	case ModeSandboxed:
		return true, nil
	case ModeNetwork:
		if s.NetworkApproved() {
			return true, nil
		}
		approved, err := s.inner.Check(ctx, mode, script)
		if err != nil {
			return false, err
		}
		if approved {
			s.ApproveNetwork()
		}
		return approved, nil
	default:
		// Unsafe always asks.
		return s.inner.Check(ctx, mode, script)
	}
}

func (s *Stateful) record(mode Mode, allowed bool, err error) {
	if s.metrics == nil {
		return
	}
	result := "allowed"
	if err != nil || !allowed {
		result = "denied"
	}
	s.metrics.PermissionChecksTotal.WithLabelValues(string(mode), result).Inc()
}

// FromPolicy builds a Handler from a configured policy name.
// The interactive handler is used by the stateful policy; pass nil to
// fall back to DenyUnsafe for approval-requiring modes. Options apply
// only to the stateful policy.
func FromPolicy(policy string, interactive Handler, metrics *observability.MetricsCollector, opts ...StatefulOption) Handler {
	switch policy {
	case "allow_all":
		return AllowAll{}
	case "deny_unsafe":
		return DenyUnsafe{}
	default:
		if interactive == nil {
			return NewStateful(DenyUnsafe{}, metrics, opts...)
		}
		return NewStateful(interactive, metrics, opts...)
	}
}
