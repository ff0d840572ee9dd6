package testutils

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/segmentio/kafka-go"
)

type MockKafkaReader struct {
	Messages []kafka.Message
	Index    int
	Mu       sync.Mutex
	// Closed simulates a closed connection or end of stream
	Closed bool
}

func (m *MockKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	if m.Closed {
		return kafka.Message{}, io.EOF
	}

	if m.Index >= len(m.Messages) {
		// Returning DeadlineExceeded is a clean way to stop the processor loop in tests
		return kafka.Message{}, context.DeadlineExceeded
	}

	msg := m.Messages[m.Index]
	m.Index++
	return msg, nil
}

func (m *MockKafkaReader) Close() error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
	return nil
}

type Published struct {
	Topic   string
	Payload string
}

// MockPublisher records every bus publish
type MockPublisher struct {
	Mu         sync.Mutex
	Published  []Published
	ShouldFail bool
}

func (m *MockPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.ShouldFail {
		return errors.New("bus down")
	}
	m.Published = append(m.Published, Published{Topic: topic, Payload: string(payload)})
	return nil
}

func (m *MockPublisher) Count() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return len(m.Published)
}
