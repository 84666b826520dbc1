package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/events"
	"github.com/runforge/runforge/internal/events/bus"
)

func newTestHub(t *testing.T) (*Hub, bus.EventBus, *logger.Logger) {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	return NewHub(eventBus, log), eventBus, log
}

func startHub(t *testing.T, hub *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, hub.Start(ctx))
}

// dialHub exposes the hub over a real HTTP server and opens a
// WebSocket connection to it.
func dialHub(t *testing.T, hub *Hub, log *logger.Logger) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = ServeWS(hub, w, r, log)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", hub.ClientCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// readDocs collects n JSON documents from the connection. The write
// pump batches queued messages into one frame separated by newlines,
// so a single read may yield several documents.
func readDocs(t *testing.T, conn *websocket.Conn, n int) []map[string]interface{} {
	t.Helper()

	var docs []map[string]interface{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for len(docs) < n {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		for _, raw := range bytes.Split(data, []byte{'\n'}) {
			if len(raw) == 0 {
				continue
			}
			var doc map[string]interface{}
			require.NoError(t, json.Unmarshal(raw, &doc))
			docs = append(docs, doc)
		}
	}
	return docs
}

func publishOutput(t *testing.T, eventBus bus.EventBus, jobID, text string) {
	t.Helper()
	evt := bus.NewEvent(events.JobOutput, "engine", map[string]interface{}{
		"job_id": jobID,
		"text":   text,
	})
	require.NoError(t, eventBus.Publish(context.Background(), events.SubjectJobOutput(jobID), evt))
}

// A client that never subscribes receives every job event.
func TestHub_BroadcastsToClientsWithoutSubscriptions(t *testing.T) {
	hub, eventBus, log := newTestHub(t)
	startHub(t, hub)
	conn := dialHub(t, hub, log)
	waitForClients(t, hub, 1)

	publishOutput(t, eventBus, "j1", "Compiling demo v0.1.0")

	doc := readDocs(t, conn, 1)[0]
	assert.Equal(t, events.JobOutput, doc["type"])

	data, ok := doc["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "j1", data["job_id"])
	assert.Equal(t, "Compiling demo v0.1.0", data["text"])
}

// A subscribed client only receives events for the jobs it follows.
func TestHub_SubscriptionFiltersOtherJobs(t *testing.T) {
	hub, eventBus, log := newTestHub(t)
	startHub(t, hub)
	conn := dialHub(t, hub, log)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "subscribe", JobID: "j1"}))
	ack := readDocs(t, conn, 1)[0]
	require.Equal(t, "subscribe", ack["ack"])

	publishOutput(t, eventBus, "j2", "not for this client")
	publishOutput(t, eventBus, "j1", "for this client")

	doc := readDocs(t, conn, 1)[0]
	data, ok := doc["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "j1", data["job_id"])
	assert.Equal(t, "for this client", data["text"])
}

// A client subscribing mid-run is caught up from the replay provider
// before live events arrive.
func TestHub_ReplaysBufferedOutputOnSubscribe(t *testing.T) {
	hub, _, log := newTestHub(t)
	hub.SetReplayProvider(func(jobID string) ([]*bus.Event, error) {
		if jobID != "j1" {
			return nil, fmt.Errorf("unknown job %s", jobID)
		}
		return []*bus.Event{
			bus.NewEvent(events.JobOutput, "replay", map[string]interface{}{
				"job_id": "j1", "text": "Compiling demo v0.1.0",
			}),
			bus.NewEvent(events.JobOutput, "replay", map[string]interface{}{
				"job_id": "j1", "text": "Finished dev profile",
			}),
		}, nil
	})
	startHub(t, hub)
	conn := dialHub(t, hub, log)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "subscribe", JobID: "j1"}))

	// Two replayed events, then the subscription ack.
	docs := readDocs(t, conn, 3)

	var texts []string
	var acked bool
	for _, doc := range docs {
		if doc["ack"] == "subscribe" {
			acked = true
			continue
		}
		data, ok := doc["data"].(map[string]interface{})
		require.True(t, ok)
		texts = append(texts, data["text"].(string))
	}
	assert.True(t, acked)
	assert.Equal(t, []string{"Compiling demo v0.1.0", "Finished dev profile"}, texts)
}

// An unknown control action gets an error reply and leaves the
// connection usable.
func TestHub_UnknownActionRejected(t *testing.T) {
	hub, eventBus, log := newTestHub(t)
	startHub(t, hub)
	conn := dialHub(t, hub, log)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "frobnicate"}))
	doc := readDocs(t, conn, 1)[0]
	assert.Contains(t, doc["error"], "unknown action")

	publishOutput(t, eventBus, "j1", "still alive")
	doc = readDocs(t, conn, 1)[0]
	assert.Equal(t, events.JobOutput, doc["type"])
}
