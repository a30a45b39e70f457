package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mailcore/engine/internal/delivery"
)

// maildirStore is an example delivery.LocalMailboxStore: one maildir
// (tmp/new/cur) per owner address under Root, using the standard
// unique-name-then-rename convention so a reader never observes a
// partially written message.
type maildirStore struct {
	Root     string
	Hostname string

	counter uint64
}

func newMaildirStore(root, hostname string) *maildirStore {
	return &maildirStore{Root: root, Hostname: hostname}
}

func (m *maildirStore) Deliver(_ context.Context, owner string, message []byte) (delivery.Result, error) {
	dir := m.ownerDir(owner)
	for _, sub := range []string{"tmp", "new", "cur"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			return delivery.Result{}, fmt.Errorf("maildir: creating %s: %w", sub, err)
		}
	}

	name := m.uniqueName()
	tmpPath := filepath.Join(dir, "tmp", name)
	if err := os.WriteFile(tmpPath, message, 0600); err != nil {
		return delivery.Result{}, fmt.Errorf("maildir: writing tmp file: %w", err)
	}

	newPath := filepath.Join(dir, "new", name)
	if err := os.Rename(tmpPath, newPath); err != nil {
		return delivery.Result{}, fmt.Errorf("maildir: renaming into new: %w", err)
	}

	return delivery.Result{ID: name}, nil
}

func (m *maildirStore) ownerDir(owner string) string {
	safe := strings.ReplaceAll(owner, string(filepath.Separator), "_")
	return filepath.Join(m.Root, safe)
}

// uniqueName follows the time.pid_seq.hostname maildir convention,
// using an atomic counter in place of a process-unique delivery
// counter.
func (m *maildirStore) uniqueName() string {
	seq := atomic.AddUint64(&m.counter, 1)
	return fmt.Sprintf("%d.%d_%d.%s", time.Now().UnixNano(), os.Getpid(), seq, m.Hostname)
}
