package whatsapp

import (
	"context"
	"fmt"
	"sync"
)

// MockClient records sent messages instead of calling the Cloud API.
// Set Err (or ErrFor) to make sends fail.
type MockClient struct {
	mu     sync.Mutex
	Sent   []WireMessage
	Err    error
	ErrFor map[string]error
	nextID int
}

// Compile-time check that MockClient implements Sender.
var _ Sender = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{ErrFor: make(map[string]error)}
}

func (m *MockClient) Send(ctx context.Context, msg WireMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.ErrFor[msg.To]; ok {
		return "", err
	}
	if m.Err != nil {
		return "", m.Err
	}
	m.Sent = append(m.Sent, msg)
	m.nextID++
	return fmt.Sprintf("wamid.mock.%d", m.nextID), nil
}

// SentTo returns the messages sent to recipient.
func (m *MockClient) SentTo(recipient string) []WireMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []WireMessage
	for _, s := range m.Sent {
		if s.To == recipient {
			out = append(out, s)
		}
	}
	return out
}

// SentCount returns the number of successful sends.
func (m *MockClient) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}
