package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubRingOverwritesOldest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(ConnectionRegistered, "c", map[string]int{"n": i})
	}

	snap := h.SnapshotSince(0, "")
	require.Len(t, snap, 3)
	assert.Equal(t, int64(3), snap[0].ID)
	assert.Equal(t, int64(5), snap[2].ID)

	var payload map[string]int
	require.NoError(t, json.Unmarshal(snap[2].Data, &payload))
	assert.Equal(t, 4, payload["n"])
}

func TestHubSnapshotFilters(t *testing.T) {
	h := NewHub(10)
	h.Publish(ConnectionBroken, "a", nil)
	h.Publish(InjectionResult, "", map[string]string{"result": "failed"})
	h.Publish(ConnectionANR, "b", nil)

	conn := h.SnapshotSince(0, "connection.")
	require.Len(t, conn, 2)
	assert.Equal(t, "a", conn[0].Channel)
	assert.Equal(t, "b", conn[1].Channel)

	after := h.SnapshotSince(2, "")
	require.Len(t, after, 1)
	assert.Equal(t, ConnectionANR, after[0].Type)
	assert.JSONEq(t, "{}", string(conn[0].Data))
}

func TestHubSubscribeAndCancel(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe(1)

	h.Publish(ConnectionRecovered, "a", nil)
	h.Publish(ConnectionRecovered, "b", nil) // subscriber full

	ev := <-ch
	assert.Equal(t, "a", ev.Channel)
	assert.Equal(t, int64(1), h.Dropped())

	cancel()
	_, open := <-ch
	assert.False(t, open)

	// Cancel twice is harmless.
	cancel()
}

func TestNilHubPublish(t *testing.T) {
	var h *Hub
	assert.NotPanics(t, func() { h.Publish(ConnectionBroken, "x", nil) })
}
