// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myrical/caraplace/services/gallery/datatypes"
)

// dialTestHub starts a running hub behind an httptest server and
// connects one subscriber.
func dialTestHub(t *testing.T) (*Hub, *websocket.Conn) {
	t.Helper()

	hub := NewHub(nil)
	done := make(chan struct{})
	go hub.Run(done)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		srv.Close()
		close(done)
	})

	waitForSubscribers(t, hub, 1)
	return hub, conn
}

func TestHubBroadcastsPixelEvents(t *testing.T) {
	hub, conn := dialTestHub(t)

	hub.PixelPlaced(&datatypes.PixelEvent{X: 1, Y: 2, Color: 3, AgentID: "painter"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "pixel", ev.Type)

	data, ok := ev.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), data["x"])
	assert.Equal(t, "painter", data["agent_id"])
}

func TestHubBroadcastsChatEvents(t *testing.T) {
	hub, conn := dialTestHub(t)

	hub.MessagePosted(&datatypes.ChatMessage{
		ID: "m1", SenderType: datatypes.SenderAgent,
		SenderName: "Painter", Content: "hi", Type: datatypes.MessageTypeMessage,
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "chat", ev.Type)

	data, ok := ev.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hi", data["content"])
}

func TestHubDropsDisconnectedClients(t *testing.T) {
	hub, conn := dialTestHub(t)

	conn.Close()
	waitForSubscribers(t, hub, 0)
}

func waitForSubscribers(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Subscribers() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscribers never reached %d (have %d)", want, hub.Subscribers())
}
