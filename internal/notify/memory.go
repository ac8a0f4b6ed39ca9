package notify

import (
	"context"
	"sync"
)

// Message is one recorded delivery.
type Message struct {
	Title string
	Body  string
}

// MemoryDeliverer records deliveries for inspection. Err, when set, is
// returned from every Deliver call and nothing is recorded.
type MemoryDeliverer struct {
	mu       sync.RWMutex
	messages []Message
	err      error
}

// NewMemoryDeliverer returns an empty MemoryDeliverer.
func NewMemoryDeliverer() *MemoryDeliverer {
	return &MemoryDeliverer{}
}

// FailWith makes subsequent deliveries fail with err. nil restores success.
func (m *MemoryDeliverer) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Deliver records the message.
func (m *MemoryDeliverer) Deliver(_ context.Context, title, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, Message{Title: title, Body: body})
	return nil
}

// Messages returns a copy of the recorded deliveries.
func (m *MemoryDeliverer) Messages() []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}
