package mqtt311

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTopicName(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		wantErr bool
	}{
		{name: "simple", topic: "a/b/c"},
		{name: "single level", topic: "a"},
		{name: "leading slash", topic: "/a/b"},
		{name: "trailing slash", topic: "a/b/"},
		{name: "system topic", topic: "$SYS/broker/uptime"},
		{name: "empty", topic: "", wantErr: true},
		{name: "plus wildcard", topic: "a/+/c", wantErr: true},
		{name: "hash wildcard", topic: "a/#", wantErr: true},
		{name: "null character", topic: "a/\x00b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTopicName(tt.topic)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateTopicFilter(t *testing.T) {
	tests := []struct {
		name    string
		filter  string
		wantErr bool
	}{
		{name: "exact", filter: "a/b/c"},
		{name: "single wildcard", filter: "a/+/c"},
		{name: "multi wildcard", filter: "a/#"},
		{name: "bare hash", filter: "#"},
		{name: "bare plus", filter: "+"},
		{name: "all wildcards", filter: "+/+/#"},
		{name: "empty", filter: "", wantErr: true},
		{name: "plus inside level", filter: "a/b+/c", wantErr: true},
		{name: "hash inside level", filter: "a/b#", wantErr: true},
		{name: "hash not last", filter: "a/#/c", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTopicFilter(tt.filter)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTopicMatch(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		match  bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/b/d", false},
		{"a/b/c", "a/b", false},
		{"a/b", "a/b/c", false},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/x/c", true},
		{"a/+/c", "a/b/d", false},
		{"+", "a", true},
		{"+", "a/b", false},
		{"#", "a", true},
		{"#", "a/b/c", true},
		{"a/#", "a/b/c", true},
		{"a/#", "a", true},
		{"a/#", "b/c", false},
		// "#" only absorbs the level it sits on and below; an
		// unmatched literal level before it still fails.
		{"a/b/#", "a", false},
		{"sport/tennis/#", "sport", false},
		{"a/b/#", "a/b", true},
		{"+/+", "a/b", true},
		{"+/+", "a", false},
		// Wildcards do not match topics starting with $.
		{"#", "$SYS/uptime", false},
		{"+/uptime", "$SYS/uptime", false},
		{"$SYS/#", "$SYS/uptime", true},
		{"$SYS/uptime", "$SYS/uptime", true},
	}

	for _, tt := range tests {
		t.Run(tt.filter+"~"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.match, TopicMatch(tt.filter, tt.topic))
		})
	}
}

func TestTopicMatcher(t *testing.T) {
	m := NewTopicMatcher()

	require.NoError(t, m.Subscribe("a/b", "c1", QoS0))
	require.NoError(t, m.Subscribe("a/+", "c2", QoS1))
	require.NoError(t, m.Subscribe("a/#", "c3", QoS2))
	require.NoError(t, m.Subscribe("x/y", "c4", QoS0))

	refs := m.Match("a/b")
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ClientID)
	}
	assert.ElementsMatch(t, []string{"c1", "c2", "c3"}, ids)

	refs = m.Match("a/z")
	ids = ids[:0]
	for _, ref := range refs {
		ids = append(ids, ref.ClientID)
	}
	assert.ElementsMatch(t, []string{"c2", "c3"}, ids)

	assert.Empty(t, m.Match("q"))
}

func TestTopicMatcherUnsubscribe(t *testing.T) {
	m := NewTopicMatcher()

	require.NoError(t, m.Subscribe("a/b", "c1", QoS0))
	assert.True(t, m.Unsubscribe("a/b", "c1"))
	assert.False(t, m.Unsubscribe("a/b", "c1"))
	assert.Empty(t, m.Match("a/b"))
}

func TestTopicMatcherResubscribeUpdatesQoS(t *testing.T) {
	m := NewTopicMatcher()

	require.NoError(t, m.Subscribe("a/b", "c1", QoS0))
	require.NoError(t, m.Subscribe("a/b", "c1", QoS2))

	refs := m.Match("a/b")
	require.Len(t, refs, 1)
	assert.Equal(t, QoS2, refs[0].QoS)
}

func TestTopicMatcherSystemTopics(t *testing.T) {
	m := NewTopicMatcher()

	require.NoError(t, m.Subscribe("#", "c1", QoS0))
	require.NoError(t, m.Subscribe("+/uptime", "c2", QoS0))
	require.NoError(t, m.Subscribe("$SYS/#", "c3", QoS0))

	refs := m.Match("$SYS/uptime")
	require.Len(t, refs, 1)
	assert.Equal(t, "c3", refs[0].ClientID)
}
