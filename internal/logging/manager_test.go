package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogRespectsMinLevel(t *testing.T) {
	m := NewManager(1000, LevelWarning, nil)
	m.Debug("mavlink", "noisy")
	m.Warning("mavlink", "heads up")

	entries := m.Recent(10, "")
	require.Len(t, entries, 1)
	assert.Equal(t, LevelWarning, entries[0].Level)
	assert.Equal(t, "heads up", entries[0].Message)
}

func TestRecentIsNewestFirst(t *testing.T) {
	m := NewManager(1000, LevelDebug, nil)
	m.Info("mqtt", "first")
	m.Info("mqtt", "second")
	m.Info("mqtt", "third")

	entries := m.Recent(2, "")
	require.Len(t, entries, 2)
	assert.Equal(t, "third", entries[0].Message)
	assert.Equal(t, "second", entries[1].Message)
}

func TestSubscribeReceivesFutureEntries(t *testing.T) {
	m := NewManager(1000, LevelDebug, nil)
	ch, unsub := m.Subscribe(4)
	defer unsub()

	m.Info("redis", "hello")
	select {
	case e := <-ch:
		assert.Equal(t, "hello", e.Message)
	default:
		t.Fatal("expected buffered entry on subscriber channel")
	}
}

func TestRingWraps(t *testing.T) {
	m := NewManager(1000, LevelDebug, nil)
	for i := 0; i < 1500; i++ {
		m.Info("mavlink", "entry %d", i)
	}
	entries := m.Recent(1000, "")
	assert.Len(t, entries, 1000)
	assert.Equal(t, "entry 1499", entries[0].Message)
}
