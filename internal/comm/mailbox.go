package comm

import (
	"context"
	"sync"
)

type message struct {
	from    int
	payload []byte
}

// mailbox is an unbounded per-tag FIFO. Queued messages are still delivered
// after a failure; once drained, receivers get the failure.
type mailbox struct {
	mu     sync.Mutex
	queues map[Tag][]message
	notify chan struct{}
	err    error
}

func newMailbox() *mailbox {
	return &mailbox{
		queues: make(map[Tag][]message),
		notify: make(chan struct{}),
	}
}

func (m *mailbox) push(tag Tag, msg message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.queues[tag] = append(m.queues[tag], msg)
	m.wakeLocked()
	return nil
}

func (m *mailbox) pop(ctx context.Context, tag Tag) (message, error) {
	for {
		m.mu.Lock()
		if q := m.queues[tag]; len(q) > 0 {
			msg := q[0]
			q[0] = message{}
			m.queues[tag] = q[1:]
			m.mu.Unlock()
			return msg, nil
		}
		if m.err != nil {
			err := m.err
			m.mu.Unlock()
			return message{}, err
		}
		wait := m.notify
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return message{}, ctx.Err()
		case <-wait:
		}
	}
}

// fail records the first failure and wakes every receiver.
func (m *mailbox) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return
	}
	m.err = err
	m.wakeLocked()
}

func (m *mailbox) failure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *mailbox) wakeLocked() {
	close(m.notify)
	m.notify = make(chan struct{})
}
