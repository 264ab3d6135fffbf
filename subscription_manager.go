package mqtt311

import (
	"sync"
)

// ClientSubscription represents a client's subscription to a topic filter.
type ClientSubscription struct {
	ClientID    string
	TopicFilter string
	QoS         byte
}

// SubscriptionManager manages subscriptions across all connected clients.
// It keeps a per-client index for fast cleanup alongside the shared topic
// tree used for message routing.
type SubscriptionManager struct {
	mu sync.RWMutex

	matcher *TopicMatcher

	// byClient maps clientID -> topic filter -> QoS
	byClient map[string]map[string]byte
}

// NewSubscriptionManager creates a new subscription manager.
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{
		matcher:  NewTopicMatcher(),
		byClient: make(map[string]map[string]byte),
	}
}

// Subscribe adds a subscription for a client. Re-subscribing to the same
// filter replaces the previous QoS.
func (sm *SubscriptionManager) Subscribe(clientID, filter string, qos byte) error {
	if err := ValidateTopicFilter(filter); err != nil {
		return err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if err := sm.matcher.Subscribe(filter, clientID, qos); err != nil {
		return err
	}

	filters, ok := sm.byClient[clientID]
	if !ok {
		filters = make(map[string]byte)
		sm.byClient[clientID] = filters
	}
	filters[filter] = qos

	return nil
}

// Unsubscribe removes a subscription for a client.
// Returns true if the subscription existed.
func (sm *SubscriptionManager) Unsubscribe(clientID, filter string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	filters, ok := sm.byClient[clientID]
	if !ok {
		return false
	}

	if _, ok := filters[filter]; !ok {
		return false
	}

	delete(filters, filter)
	if len(filters) == 0 {
		delete(sm.byClient, clientID)
	}

	return sm.matcher.Unsubscribe(filter, clientID)
}

// UnsubscribeAll removes all subscriptions for a client.
func (sm *SubscriptionManager) UnsubscribeAll(clientID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	filters, ok := sm.byClient[clientID]
	if !ok {
		return
	}

	for filter := range filters {
		sm.matcher.Unsubscribe(filter, clientID)
	}

	delete(sm.byClient, clientID)
}

// Subscriptions returns all subscriptions held by a client.
func (sm *SubscriptionManager) Subscriptions(clientID string) []ClientSubscription {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	filters, ok := sm.byClient[clientID]
	if !ok {
		return nil
	}

	subs := make([]ClientSubscription, 0, len(filters))
	for filter, qos := range filters {
		subs = append(subs, ClientSubscription{
			ClientID:    clientID,
			TopicFilter: filter,
			QoS:         qos,
		})
	}
	return subs
}

// MatchForDelivery returns one entry per client whose subscriptions match
// the topic. When several of a client's filters overlap, the highest
// granted QoS among them wins, so the client receives a single copy.
func (sm *SubscriptionManager) MatchForDelivery(topic string) []ClientSubscription {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	refs := sm.matcher.Match(topic)
	if len(refs) == 0 {
		return nil
	}

	best := make(map[string]byte, len(refs))
	for _, ref := range refs {
		if qos, ok := best[ref.ClientID]; !ok || ref.QoS > qos {
			best[ref.ClientID] = ref.QoS
		}
	}

	out := make([]ClientSubscription, 0, len(best))
	for clientID, qos := range best {
		out = append(out, ClientSubscription{
			ClientID: clientID,
			QoS:      qos,
		})
	}
	return out
}

// Count returns the total number of subscriptions across all clients.
func (sm *SubscriptionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	total := 0
	for _, filters := range sm.byClient {
		total += len(filters)
	}
	return total
}
