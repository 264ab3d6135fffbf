package mqtt311

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidTopicName   = errors.New("invalid topic name")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
	ErrEmptyTopic         = errors.New("topic cannot be empty")
)

const (
	topicSeparator      = '/'
	singleLevelWildcard = '+'
	multiLevelWildcard  = '#'
)

// ValidateTopicName validates a topic name.
// Topic names cannot contain wildcards and must be valid UTF-8.
func ValidateTopicName(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}

	if !utf8.ValidString(topic) {
		return ErrInvalidTopicName
	}

	// Check for null character and wildcards
	for _, r := range topic {
		if r == 0 {
			return ErrInvalidTopicName
		}
		if r == singleLevelWildcard || r == multiLevelWildcard {
			return ErrInvalidTopicName
		}
	}

	return nil
}

// ValidateTopicFilter validates a topic filter.
// Topic filters can contain wildcards but must follow wildcard rules:
// + must occupy a whole level, # must occupy the whole final level.
func ValidateTopicFilter(filter string) error {
	if filter == "" {
		return ErrEmptyTopic
	}

	if !utf8.ValidString(filter) {
		return ErrInvalidTopicFilter
	}

	// Check for null character
	for _, r := range filter {
		if r == 0 {
			return ErrInvalidTopicFilter
		}
	}

	levels := strings.Split(filter, string(topicSeparator))

	for i, level := range levels {
		// Single-level wildcard must occupy entire level
		if strings.Contains(level, string(singleLevelWildcard)) {
			if level != string(singleLevelWildcard) {
				return ErrInvalidTopicFilter
			}
		}

		// Multi-level wildcard must be last level and occupy entire level
		if strings.Contains(level, string(multiLevelWildcard)) {
			if level != string(multiLevelWildcard) {
				return ErrInvalidTopicFilter
			}
			if i != len(levels)-1 {
				return ErrInvalidTopicFilter
			}
		}
	}

	return nil
}

// TopicMatch checks if a topic name matches a topic filter.
// This implementation avoids allocations by not using strings.Split.
func TopicMatch(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}

	// Topics starting with $ don't match wildcards at root level
	if topic[0] == '$' {
		if filter[0] == singleLevelWildcard || filter[0] == multiLevelWildcard {
			return false
		}
	}

	return matchTopicNoAlloc(filter, topic)
}

// matchTopicNoAlloc matches topic against filter without allocations.
func matchTopicNoAlloc(filter, topic string) bool {
	fi, ti := 0, 0
	flen, tlen := len(filter), len(topic)

	for fi < flen {
		// Get current filter level
		fstart := fi
		for fi < flen && filter[fi] != topicSeparator {
			fi++
		}
		flevel := filter[fstart:fi]

		// Multi-level wildcard matches everything remaining
		if flevel == "#" {
			return true
		}

		// Filter has levels left but the topic is exhausted. The
		// parent-of-# case ("a/#" matching "a") was already handled by
		// the "#" branch above.
		if ti >= tlen {
			return false
		}

		// Get current topic level
		tstart := ti
		for ti < tlen && topic[ti] != topicSeparator {
			ti++
		}
		tlevel := topic[tstart:ti]

		// Single-level wildcard matches any single level
		if flevel != "+" && flevel != tlevel {
			return false
		}

		// Move past separator if present
		if fi < flen {
			fi++ // skip '/'
		}
		if ti < tlen {
			ti++ // skip '/'
		}
	}

	// Filter exhausted - topic must also be exhausted
	return ti >= tlen
}

// IsSystemTopic returns true if the topic is a broker-internal topic
// (first level starts with '$').
func IsSystemTopic(topic string) bool {
	return len(topic) > 0 && topic[0] == '$'
}

// TopicMatcher provides efficient topic matching with multiple
// subscriptions. Lookup cost is proportional to topic depth rather than to
// the number of subscriptions. TopicMatcher is not safe for concurrent use;
// SubscriptionManager provides the locking discipline around it.
type TopicMatcher struct {
	root *topicNode
}

type topicNode struct {
	children    map[string]*topicNode
	subscribers []subscriberRef
}

// subscriberRef ties a client to its granted QoS at a tree node.
type subscriberRef struct {
	ClientID string
	QoS      byte
}

// NewTopicMatcher creates a new topic matcher.
func NewTopicMatcher() *TopicMatcher {
	return &TopicMatcher{
		root: &topicNode{
			children: make(map[string]*topicNode),
		},
	}
}

// Subscribe adds a subscriber for the given topic filter. An existing
// entry for the same client is replaced, so re-subscribing updates the QoS
// without duplicating the subscription.
func (m *TopicMatcher) Subscribe(filter, clientID string, qos byte) error {
	if err := ValidateTopicFilter(filter); err != nil {
		return err
	}

	levels := strings.Split(filter, string(topicSeparator))
	node := m.root

	for _, level := range levels {
		if node.children == nil {
			node.children = make(map[string]*topicNode)
		}

		child, ok := node.children[level]
		if !ok {
			child = &topicNode{
				children: make(map[string]*topicNode),
			}
			node.children[level] = child
		}
		node = child
	}

	for i, ref := range node.subscribers {
		if ref.ClientID == clientID {
			node.subscribers[i].QoS = qos
			return nil
		}
	}

	node.subscribers = append(node.subscribers, subscriberRef{ClientID: clientID, QoS: qos})
	return nil
}

// Unsubscribe removes a subscriber for the given topic filter.
// Returns true if a subscription was removed.
func (m *TopicMatcher) Unsubscribe(filter, clientID string) bool {
	if err := ValidateTopicFilter(filter); err != nil {
		return false
	}

	levels := strings.Split(filter, string(topicSeparator))
	node := m.root

	for _, level := range levels {
		child, ok := node.children[level]
		if !ok {
			return false // Not subscribed
		}
		node = child
	}

	for i, ref := range node.subscribers {
		if ref.ClientID == clientID {
			node.subscribers = append(node.subscribers[:i], node.subscribers[i+1:]...)
			return true
		}
	}

	return false
}

// Match returns all subscribers matching the given topic.
func (m *TopicMatcher) Match(topic string) []subscriberRef {
	if err := ValidateTopicName(topic); err != nil {
		return nil
	}

	levels := strings.Split(topic, string(topicSeparator))
	isSystemTopic := IsSystemTopic(topic)

	var subscribers []subscriberRef
	m.matchNode(m.root, levels, 0, isSystemTopic, &subscribers)
	return subscribers
}

func (m *TopicMatcher) matchNode(node *topicNode, levels []string, idx int, isSystemTopic bool, subscribers *[]subscriberRef) {
	if node == nil {
		return
	}

	// Multi-level wildcard matches everything remaining, including zero
	// levels. Wildcards never match a leading $ level.
	if !isSystemTopic || idx > 0 {
		if child, ok := node.children[string(multiLevelWildcard)]; ok {
			*subscribers = append(*subscribers, child.subscribers...)
		}
	}

	// All levels matched
	if idx >= len(levels) {
		*subscribers = append(*subscribers, node.subscribers...)
		return
	}

	level := levels[idx]

	// Exact match
	if child, ok := node.children[level]; ok {
		m.matchNode(child, levels, idx+1, isSystemTopic, subscribers)
	}

	// Single-level wildcard (not for $ topics at root)
	if !isSystemTopic || idx > 0 {
		if child, ok := node.children[string(singleLevelWildcard)]; ok {
			m.matchNode(child, levels, idx+1, isSystemTopic, subscribers)
		}
	}
}
