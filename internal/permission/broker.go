package permission

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Broker errors.
var (
	ErrNotFound        = errors.New("approval not found")
	ErrExpired         = errors.New("approval expired")
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// RequestStatus is the state of a pending approval request.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusDenied   RequestStatus = "denied"
	StatusExpired  RequestStatus = "expired"
)

// Request is one approval round-trip awaiting a human decision.
type Request struct {
	ID         string        `json:"id"`
	Mode       string        `json:"mode"`
	Script     string        `json:"script"`
	Status     RequestStatus `json:"status"`
	ResolvedBy string        `json:"resolved_by,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	ExpiresAt  time.Time     `json:"expires_at"`

	done chan bool // closed-by-send when resolved
}

// Notifier is called when a new request needs a decision, typically to
// push it to connected approver UIs.
type Notifier func(Request)

// Broker is an interactive Handler whose decisions come from an external
// approver (HTTP or WebSocket gateway). Check blocks until the request
// is approved, denied, expired, or the context is cancelled.
// Thread-safe; pending requests expire after a configurable TTL.
type Broker struct {
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	pending  map[string]*Request
	notifier Notifier
}

// NewBroker creates an approval broker with the given request TTL.
func NewBroker(ttl time.Duration, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		ttl:     ttl,
		logger:  logger,
		pending: make(map[string]*Request),
	}
}

// SetNotifier installs the callback invoked for each new request.
func (b *Broker) SetNotifier(n Notifier) {
	b.mu.Lock()
	b.notifier = n
	b.mu.Unlock()
}

// Check implements Handler by creating a pending request and waiting
// for an external decision.
func (b *Broker) Check(ctx context.Context, mode Mode, script string) (bool, error) {
	id, err := generateID()
	if err != nil {
		return false, fmt.Errorf("generating approval id: %w", err)
	}

	now := time.Now().UTC()
	req := &Request{
		ID:        id,
		Mode:      string(mode),
		Script:    script,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(b.ttl),
		done:      make(chan bool, 1),
	}

	b.mu.Lock()
	b.pending[id] = req
	notifier := b.notifier
	b.mu.Unlock()

	b.logger.Info("approval requested",
		slog.String("approval_id", id),
		slog.String("mode", string(mode)),
	)

	if notifier != nil {
		notifier(*req)
	}

	select {
	case approved := <-req.done:
		if !approved {
			return false, nil
		}
		return true, nil
	case <-time.After(b.ttl):
		b.expire(id)
		return false, fmt.Errorf("%w: no decision within %s", ErrExpired, b.ttl)
	case <-ctx.Done():
		b.expire(id)
		return false, fmt.Errorf("%w: %s", ErrInterrupted, ctx.Err())
	}
}

// Approve resolves a pending request as approved.
func (b *Broker) Approve(id, resolverID string) error {
	return b.resolve(id, resolverID, true)
}

// Deny resolves a pending request as denied.
func (b *Broker) Deny(id, resolverID string) error {
	return b.resolve(id, resolverID, false)
}

func (b *Broker) resolve(id, resolverID string, approved bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	req, ok := b.pending[id]
	if !ok {
		return ErrNotFound
	}
	if time.Now().UTC().After(req.ExpiresAt) {
		req.Status = StatusExpired
		return ErrExpired
	}
	if req.Status != StatusPending {
		return ErrAlreadyResolved
	}

	if approved {
		req.Status = StatusApproved
	} else {
		req.Status = StatusDenied
	}
	req.ResolvedBy = resolverID
	req.done <- approved

	b.logger.Info("approval resolved",
		slog.String("approval_id", id),
		slog.String("resolver", resolverID),
		slog.String("status", string(req.Status)),
	)
	return nil
}

func (b *Broker) expire(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if req, ok := b.pending[id]; ok && req.Status == StatusPending {
		req.Status = StatusExpired
	}
}

// Get returns a pending request by ID, marking it expired on access
// when past its TTL.
func (b *Broker) Get(id string) (Request, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	req, ok := b.pending[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	if req.Status == StatusPending && time.Now().UTC().After(req.ExpiresAt) {
		req.Status = StatusExpired
	}
	return *req, nil
}

// Pending returns all requests still awaiting a decision.
func (b *Broker) Pending() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	var out []Request
	for _, req := range b.pending {
		if req.Status == StatusPending && now.After(req.ExpiresAt) {
			req.Status = StatusExpired
		}
		if req.Status == StatusPending {
			out = append(out, *req)
		}
	}
	return out
}

// Cleanup removes resolved and long-expired requests.
func (b *Broker) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	for id, req := range b.pending {
		if req.Status == StatusPending && now.After(req.ExpiresAt) {
			req.Status = StatusExpired
		}
		if req.Status != StatusPending && now.After(req.ExpiresAt.Add(b.ttl)) {
			delete(b.pending, id)
		}
	}
}

// StartCleanup runs Cleanup periodically until ctx is cancelled.
// Returns a cancel function to stop the goroutine.
func (b *Broker) StartCleanup(ctx context.Context, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.Cleanup()
			}
		}
	}()
	return cancel
}

func generateID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
