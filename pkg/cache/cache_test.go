package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetGetRoundTrip(t *testing.T) {
	m := New(0)
	defer m.Close()

	m.Set("host:1:cpu", 42.5, time.Minute)
	v, ok := m.Get("host:1:cpu")
	assert.True(t, ok)
	assert.Equal(t, 42.5, v)
}

func TestGetExpiredEntryIsAbsent(t *testing.T) {
	m := New(0)
	defer m.Close()

	m.Set("k", "v", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := m.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestBackgroundSweepRemovesExpiredEntries(t *testing.T) {
	m := New(5 * time.Millisecond)
	defer m.Close()

	m.Set("k", "v", time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 0, m.Len())
}

func TestDeleteRemovesKeyImmediately(t *testing.T) {
	m := New(0)
	defer m.Close()

	m.Set("k", "v", time.Minute)
	m.Delete("k")

	_, ok := m.Get("k")
	assert.False(t, ok)
}
