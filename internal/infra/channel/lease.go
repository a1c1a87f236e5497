package channel

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/coachpo/ordersync/internal/domain/errs"
	"github.com/coachpo/ordersync/internal/infra/observability"
)

// Lease is a reference-counted claim on a role's connection. The connection is
// closed when the last lease for the role is released.
type Lease struct {
	ID   string
	Role string

	m         *Manager
	mu        sync.Mutex
	released  bool
	listeners []leaseListener
}

type leaseListener struct {
	name EventName
	id   ListenerID
}

// Acquire takes a lease on role and connects it if needed. A failed dial does
// not fail the lease: the connection keeps retrying and the failure reaches
// OnError listeners.
func (m *Manager) Acquire(ctx context.Context, role string) (*Lease, error) {
	role, err := m.validRole(role)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errs.New(component, errs.CodeUnavailable, errs.WithMessage("manager closed"))
	}
	h := m.handleLocked(role)
	h.leases++
	m.mu.Unlock()

	lease := &Lease{ID: uuid.NewString(), Role: role, m: m}
	if err := m.Connect(ctx, role); err != nil {
		if errs.HasCode(err, errs.CodeUnavailable) || ctx.Err() != nil {
			lease.Release()
			return nil, err
		}
		observability.Log().Error("channel lease acquired while disconnected",
			observability.Field{Key: "role", Value: role},
			observability.Field{Key: "error", Value: err})
	}
	return lease, nil
}

// On registers a listener for the lease's role only. It is removed on Release.
func (l *Lease) On(name EventName, handler Handler) ListenerID {
	if handler == nil {
		return ""
	}
	role := l.Role
	wrapped := func(evt Event) {
		if evt.Role == role {
			handler(evt)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return ""
	}
	id := l.m.On(name, wrapped)
	l.listeners = append(l.listeners, leaseListener{name: name, id: id})
	return id
}

// Release removes the lease's listeners and drops its claim. Calling Release
// more than once has no effect.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	listeners := l.listeners
	l.listeners = nil
	l.mu.Unlock()

	for _, ln := range listeners {
		l.m.Off(ln.name, ln.id)
	}

	l.m.mu.Lock()
	h, ok := l.m.handles[l.Role]
	last := false
	if ok && h.leases > 0 {
		h.leases--
		last = h.leases == 0
	}
	l.m.mu.Unlock()
	if last {
		l.m.Disconnect(l.Role)
	}
}
