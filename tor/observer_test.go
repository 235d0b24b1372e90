package tor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObserverSetAddRemove(t *testing.T) {
	s := NewObserverSet()
	obs := &Observer{Kind: EventNotice}

	s.Add(obs)
	require.Equal(t, 1, s.Len())

	// Adding the same pointer twice is a no-op.
	s.Add(obs)
	require.Equal(t, 1, s.Len())

	s.Remove(obs)
	require.Equal(t, 0, s.Len())
}

func TestObserverSetMatching(t *testing.T) {
	s := NewObserverSet()
	notice := &Observer{Kind: EventNotice}
	warn := &Observer{Kind: EventWarn}
	s.Add(notice)
	s.Add(warn)

	matches := s.Matching(EventNotice)
	require.Equal(t, []*Observer{notice}, matches)
}

func TestObserverSetClearExceptStatic(t *testing.T) {
	s := NewObserverSet()
	normal := &Observer{Kind: EventNotice}
	static := &Observer{Kind: EventWarn, Tag: StaticTag()}
	s.Add(normal)
	s.Add(static)

	s.ClearExceptStatic()
	require.Equal(t, 1, s.Len())
	require.Equal(t, []*Observer{static}, s.Matching(EventWarn))
}

func TestObserverIsStatic(t *testing.T) {
	obs := &Observer{Tag: StaticTag()}
	require.True(t, obs.IsStatic())

	obs2 := &Observer{Tag: "not-static"}
	require.False(t, obs2.IsStatic())
}
