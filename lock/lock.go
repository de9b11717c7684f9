// Package lock provides a database-backed lease so that exactly one process
// runs the chain watcher at a time. The lease row's unique name plus a
// conditional upsert make acquisition atomic; a crashed holder is taken over
// once its lease goes stale.
package lock

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vicente-simoes/polymarket-copybot-sub000/storage"
)

// Manager holds a named lease and keeps it alive with a background heartbeat.
type Manager struct {
	store storage.Store
	name  string
	owner string
	ttl   time.Duration

	onLost func()

	mu       sync.Mutex
	held     bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	lostOnce sync.Once
}

// NewManager creates a lease manager for the given lease name. onLost is
// called at most once, from the heartbeat goroutine, if the lease cannot be
// renewed; the holder must stop the work the lease was guarding.
func NewManager(store storage.Store, name string, ttl time.Duration, onLost func()) *Manager {
	hostname, _ := os.Hostname()
	return &Manager{
		store:  store,
		name:   name,
		owner:  fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8]),
		ttl:    ttl,
		onLost: onLost,
	}
}

// Owner returns this process's lease identity.
func (m *Manager) Owner() string { return m.owner }

// TryAcquire attempts to take the lease. On success it starts the heartbeat
// and returns true. A false return means another live holder has it.
func (m *Manager) TryAcquire(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held {
		return true, nil
	}

	ok, err := m.store.TryAcquireLease(ctx, m.name, m.owner, m.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", m.name, err)
	}
	if !ok {
		return false, nil
	}

	m.held = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.heartbeat(m.stopCh, m.doneCh)
	log.Printf("[Lock] Acquired lease %s as %s (ttl %v)", m.name, m.owner, m.ttl)
	return true, nil
}

// heartbeat renews at half the TTL so one missed beat does not lose the lease.
func (m *Manager) heartbeat(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			ok, err := m.store.RenewLease(ctx, m.name, m.owner)
			cancel()
			if err != nil {
				log.Printf("[Lock] Renew error for %s: %v", m.name, err)
				continue
			}
			if !ok {
				// Another process took the lease over. Whatever this
				// lease guarded must stop now.
				log.Printf("[Lock] Lost lease %s (owner %s)", m.name, m.owner)
				m.mu.Lock()
				m.held = false
				m.mu.Unlock()
				if m.onLost != nil {
					m.lostOnce.Do(m.onLost)
				}
				return
			}
		}
	}
}

// Held reports whether this manager currently believes it holds the lease.
func (m *Manager) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

// Release stops the heartbeat and deletes the lease row if still owned.
func (m *Manager) Release(ctx context.Context) error {
	m.mu.Lock()
	if !m.held {
		m.mu.Unlock()
		return nil
	}
	m.held = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)
	<-doneCh

	if err := m.store.ReleaseLease(ctx, m.name, m.owner); err != nil {
		return fmt.Errorf("release lease %s: %w", m.name, err)
	}
	log.Printf("[Lock] Released lease %s", m.name)
	return nil
}
