package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtr002/devboard-queue/internal/interfaces"
)

func TestHubDeliversJobEvents(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	event := &interfaces.JobEvent{
		JobID:    "job-1",
		JobType:  interfaces.TypeBadgeAward,
		Event:    interfaces.EventCompleted,
		Metadata: interfaces.Payload{"attempts": 1},
	}

	// Registration is asynchronous; keep recording until a frame arrives.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	frames := make(chan []byte, 1)
	go func() {
		_, data, err := conn.ReadMessage()
		if err == nil {
			frames <- data
		}
		close(frames)
	}()

	var data []byte
	require.Eventually(t, func() bool {
		_ = hub.Record(ctx, event)
		select {
		case data = <-frames:
			return true
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)
	require.NotNil(t, data)

	var frame struct {
		Type string              `json:"type"`
		Data interfaces.JobEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, FrameJobEvent, frame.Type)
	assert.Equal(t, "job-1", frame.Data.JobID)
	assert.Equal(t, interfaces.EventCompleted, frame.Data.Event)
}

func TestHubStopsOnCancel(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}

	// Broadcasting after shutdown must not block.
	hub.Broadcast([]byte("late"))
}
