package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moodlog/moodlog/internal/cache/freshness"
	cachesync "github.com/moodlog/moodlog/internal/cache/sync"
)

func startServer(t *testing.T, stats StatsFunc) *Server {
	t.Helper()
	s := NewServer(&Config{Addr: "127.0.0.1:0", Stats: stats})
	require.NoError(t, s.Start())
	t.Cleanup(func() { assert.NoError(t, s.Stop()) })
	return s
}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+s.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func fixedStats(data StatsData) StatsFunc {
	return func(context.Context) (StatsData, error) { return data, nil }
}

func TestWelcomeStats(t *testing.T) {
	s := startServer(t, fixedStats(StatsData{Posts: 12, Skeletons: 3, Characters: 4, Following: 2}))
	conn := dial(t, s)

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeStats, msg.Type)
	assert.False(t, msg.Timestamp.IsZero())

	var got StatsData
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, StatsData{Posts: 12, Skeletons: 3, Characters: 4, Following: 2}, got)
}

func TestImportedBroadcast(t *testing.T) {
	s := startServer(t, fixedStats(StatsData{Posts: 1}))
	conn := dial(t, s)
	readMessage(t, conn) // welcome

	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	s.Imported("/spool/20261015T090000.000000000-alice.json", cachesync.Stats{
		PostsUpserted: 2,
		PostsDeleted:  1,
		FilesRead:     1,
	})

	msg := readMessage(t, conn)
	require.Equal(t, MessageTypeImport, msg.Type)
	var data ImportData
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	assert.Equal(t, ImportData{
		File:          "20261015T090000.000000000-alice.json",
		PostsUpserted: 2,
		PostsDeleted:  1,
	}, data)

	msg = readMessage(t, conn)
	assert.Equal(t, MessageTypeStats, msg.Type, "stats follow every import")
}

func TestSweptBroadcastWithoutStats(t *testing.T) {
	s := startServer(t, nil)
	conn := dial(t, s)

	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	s.Swept(freshness.SweepResult{PostsDeleted: 5, CharactersDeleted: 1})

	msg := readMessage(t, conn)
	require.Equal(t, MessageTypeSweep, msg.Type, "no welcome frame without a stats source")
	var data SweepData
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	assert.Equal(t, SweepData{PostsDeleted: 5, CharactersDeleted: 1}, data)
}

func TestStatsErrorSkipsSnapshot(t *testing.T) {
	s := startServer(t, func(context.Context) (StatsData, error) {
		return StatsData{}, errors.New("store closed")
	})
	conn := dial(t, s)
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	s.Swept(freshness.SweepResult{})
	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeSweep, msg.Type)
}

func TestHealth(t *testing.T) {
	s := startServer(t, nil)

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["clients"])
}

func TestClientDisconnect(t *testing.T) {
	s := startServer(t, nil)
	conn := dial(t, s)
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return s.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStopBeforeStart(t *testing.T) {
	s := NewServer(nil)
	assert.Equal(t, "127.0.0.1:7777", s.Addr())
	assert.NoError(t, s.Stop())
	assert.NoError(t, s.Stop())

	// Broadcasting after Stop is a no-op.
	s.Broadcast(Message{Type: MessageTypeStats})
}
