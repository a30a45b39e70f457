package spool

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"
)

// memKV is a trivial in-process stand-in for a distributed KV store,
// enough to exercise KVBackend's protocol without a real backend.
type memKV struct {
	mu   sync.Mutex
	vals map[string][]byte
	exp  map[string]time.Time
}

func newMemKV() *memKV {
	return &memKV{vals: map[string][]byte{}, exp: map[string]time.Time{}}
}

func (m *memKV) expired(key string) bool {
	t, ok := m.exp[key]
	return ok && time.Now().After(t)
}

func (m *memKV) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vals[key]; ok && !m.expired(key) {
		return false, nil
	}
	m.vals[key] = append([]byte(nil), value...)
	m.exp[key] = time.Now().Add(ttl)
	return true, nil
}

func (m *memKV) Refresh(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vals[key]; !ok {
		return ErrNotFound
	}
	m.exp[key] = time.Now().Add(ttl)
	return nil
}

func (m *memKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vals, key)
	delete(m.exp, key)
	return nil
}

func (m *memKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return nil, false, nil
	}
	v, ok := m.vals[key]
	return v, ok, nil
}

func (m *memKV) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[key] = append([]byte(nil), value...)
	delete(m.exp, key)
	return nil
}

func (m *memKV) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.vals {
		if m.expired(k) {
			continue
		}
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func TestKVBackendEnqueueClaimComplete(t *testing.T) {
	b := NewKVBackend(newMemKV())

	entry := &SpoolEntry{From: "sender@example.com", To: []string{"rcpt@example.org"}}
	id, err := b.Enqueue(entry, []byte("body"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claimed, err := b.ClaimDue(context.Background(), "worker-1", 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != id {
		t.Fatalf("ClaimDue = %+v", claimed)
	}

	again, _ := b.ClaimDue(context.Background(), "worker-2", 10)
	if len(again) != 0 {
		t.Fatalf("second worker claimed %d, want 0 (lock held)", len(again))
	}

	rc, err := b.Open(id)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	body, _ := io.ReadAll(rc)
	if string(body) != "body" {
		t.Errorf("Open body = %q", body)
	}

	if err := b.Complete(id, "worker-1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := b.Open(id); err != ErrNotFound {
		t.Errorf("Open after Complete = %v", err)
	}
}

func TestKVBackendLockExpiresByTTL(t *testing.T) {
	b := NewKVBackend(newMemKV())
	b.LockTTL = 10 * time.Millisecond

	entry := &SpoolEntry{From: "sender@example.com", To: []string{"rcpt@example.org"}}
	id, _ := b.Enqueue(entry, []byte("body"))

	b.ClaimDue(context.Background(), "worker-1", 10)
	time.Sleep(20 * time.Millisecond)

	claimed, err := b.ClaimDue(context.Background(), "worker-2", 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != id {
		t.Fatalf("expired lock was not reclaimed: %+v", claimed)
	}
}

func TestKVBackendWrongOwnerRejected(t *testing.T) {
	b := NewKVBackend(newMemKV())
	entry := &SpoolEntry{From: "sender@example.com", To: []string{"rcpt@example.org"}}
	id, _ := b.Enqueue(entry, []byte("body"))
	b.ClaimDue(context.Background(), "worker-1", 10)

	if err := b.Complete(id, "worker-2"); err != ErrNotOwner {
		t.Errorf("Complete by wrong owner = %v, want ErrNotOwner", err)
	}
}
