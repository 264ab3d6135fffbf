package mqtt311

import (
	"sync"
)

// RetainedStore stores retained messages by topic name.
// Publishing a retained message with an empty payload removes the
// entry for that topic.
type RetainedStore interface {
	// Set stores a retained message. An empty payload deletes the entry.
	Set(msg Message) error

	// Get returns the retained message for an exact topic name.
	Get(topic string) (Message, bool)

	// Match returns all retained messages whose topic matches the filter.
	Match(filter string) []Message

	// Delete removes the retained message for a topic.
	Delete(topic string) error

	// Count returns the number of retained messages.
	Count() int
}

// MemoryRetainedStore is an in-memory RetainedStore implementation.
type MemoryRetainedStore struct {
	mu       sync.RWMutex
	messages map[string]Message
}

// NewMemoryRetainedStore creates a new in-memory retained message store.
func NewMemoryRetainedStore() *MemoryRetainedStore {
	return &MemoryRetainedStore{
		messages: make(map[string]Message),
	}
}

func (s *MemoryRetainedStore) Set(msg Message) error {
	if err := ValidateTopicName(msg.Topic); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(msg.Payload) == 0 {
		delete(s.messages, msg.Topic)
		return nil
	}

	msg.Retain = true
	s.messages[msg.Topic] = msg
	return nil
}

func (s *MemoryRetainedStore) Get(topic string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[topic]
	return msg, ok
}

func (s *MemoryRetainedStore) Match(filter string) []Message {
	if err := ValidateTopicFilter(filter); err != nil {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Message
	for topic, msg := range s.messages {
		if TopicMatch(filter, topic) {
			matched = append(matched, msg)
		}
	}
	return matched
}

func (s *MemoryRetainedStore) Delete(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.messages, topic)
	return nil
}

func (s *MemoryRetainedStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
