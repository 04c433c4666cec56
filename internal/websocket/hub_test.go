package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClient_AllowsNode(t *testing.T) {
	tests := []struct {
		name      string
		nodeScope []int
		nodeID    int
		want      bool
	}{
		{"unscoped client allows any node", nil, 3, true},
		{"scoped client allows a listed node", []int{1, 2}, 2, true},
		{"scoped client rejects an unlisted node", []int{1, 2}, 7, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{NodeScope: tt.nodeScope}
			assert.Equal(t, tt.want, c.allowsNode(tt.nodeID))
		})
	}
}

func TestHub_BroadcastMessage_FiltersByNodeScope(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	scoped := &Client{ID: "scoped", Send: make(chan Message, 4), Hub: hub, NodeScope: []int{1}}
	unscoped := &Client{ID: "unscoped", Send: make(chan Message, 4), Hub: hub}
	hub.register <- scoped
	hub.register <- unscoped

	// Let the hub's loop register both clients before broadcasting.
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(MessageTypeConnectionStatus, 1, map[string]interface{}{"node_id": 1})
	hub.Broadcast(MessageTypeConnectionStatus, 2, map[string]interface{}{"node_id": 2})

	time.Sleep(10 * time.Millisecond)

	assert.Len(t, scoped.Send, 1, "scoped client should only receive its own node's message")
	assert.Len(t, unscoped.Send, 2, "unscoped client should receive every node's message")
}

func TestHub_BroadcastMessage_UnscopedMessageReachesEveryClient(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	scoped := &Client{ID: "scoped", Send: make(chan Message, 4), Hub: hub, NodeScope: []int{1}}
	hub.register <- scoped
	time.Sleep(10 * time.Millisecond)

	// NodeID -1 means fleet-wide, e.g. a tap event: every client gets it
	// regardless of NodeScope.
	hub.Broadcast(MessageTypeTapEvent, -1, map[string]interface{}{"local_id": 9})
	time.Sleep(10 * time.Millisecond)

	assert.Len(t, scoped.Send, 1)
}

func TestHub_GetClientCount(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	assert.Equal(t, 0, hub.GetClientCount())

	c := &Client{ID: "one", Send: make(chan Message, 1), Hub: hub}
	hub.register <- c
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, hub.GetClientCount())

	hub.unregister <- c
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, hub.GetClientCount())
}

func TestParseNodeScopeLocal(t *testing.T) {
	assert.Nil(t, parseNodeScopeLocal(nil))
	assert.Nil(t, parseNodeScopeLocal("not-a-slice"))
	assert.Equal(t, []int{1, 2, 3}, parseNodeScopeLocal([]int{1, 2, 3}))
}
