package store

import (
	"context"
	"sync"
)

// mailbox keeps only the newest snapshot for a subscriber and forwards it
// on the subscriber's channel, so writers never block on slow readers and
// versions stay ordered.
type mailbox struct {
	mu      sync.Mutex
	latest  *Snapshot
	notify  chan struct{}
	out     chan Snapshot
	done    chan struct{}
	closing sync.Once
}

func newMailbox() *mailbox {
	return &mailbox{
		notify: make(chan struct{}, 1),
		out:    make(chan Snapshot, snapshotBuffer),
		done:   make(chan struct{}),
	}
}

// put replaces the pending snapshot unless it is older than the one already
// waiting. Terminal snapshots always win.
func (m *mailbox) put(s Snapshot) {
	m.mu.Lock()
	if m.latest == nil || s.Err != nil || m.latest.Err == nil && s.Version >= m.latest.Version {
		m.latest = &s
	}
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return Snapshot{}, false
	}
	s := *m.latest
	m.latest = nil
	return s, true
}

// run forwards snapshots until ctx ends or a terminal snapshot is sent. It
// always closes out.
func (m *mailbox) run(ctx context.Context) {
	defer close(m.out)
	defer m.stop()

	var lastVersion uint64
	var sent bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			if s, ok := m.take(); ok && s.Err != nil {
				select {
				case m.out <- s:
				case <-ctx.Done():
				}
			}
			return
		case <-m.notify:
		}

		s, ok := m.take()
		if !ok {
			continue
		}
		if s.Err == nil && sent && s.Version < lastVersion {
			continue
		}
		select {
		case m.out <- s:
		case <-ctx.Done():
			return
		}
		if s.Err != nil {
			return
		}
		sent = true
		lastVersion = s.Version
	}
}

// fail delivers a terminal error snapshot and stops the forwarder.
func (m *mailbox) fail(s Snapshot) {
	m.put(s)
	m.stop()
}

func (m *mailbox) stop() {
	m.closing.Do(func() { close(m.done) })
}
