package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/events"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/ppac"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/protocol"
)

func newIndex(t *testing.T) *CaptureIndex {
	t.Helper()
	idx, err := NewCaptureIndex(filepath.Join(t.TempDir(), "sub", "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestSessionLifecycle(t *testing.T) {
	idx := newIndex(t)
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, idx.OpenSession(Session{
		ID: "a", ClientAddr: "127.0.0.1:5000", Upstream: "10.0.0.1:12200",
		PacketType: "ngs", CapturePath: "caps/a.ppac", StartedAt: start,
	}))
	require.NoError(t, idx.OpenSession(Session{ID: "b", PacketType: "jp", StartedAt: start.Add(time.Minute)}))

	sessions, err := idx.Sessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "b", sessions[0].ID)
	assert.Nil(t, sessions[1].EndedAt)

	require.NoError(t, idx.CloseSession("a", "peer closed", start.Add(time.Hour), 12, 3400))
	s, err := idx.Session(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, s.EndedAt)
	assert.True(t, start.Add(time.Hour).Equal(*s.EndedAt))
	assert.Equal(t, "peer closed", s.Reason)
	assert.Equal(t, int64(12), s.Packets)
	assert.True(t, start.Equal(s.StartedAt))

	_, err = idx.Session(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, idx.CloseSession("missing", "", start, 0, 0), ErrNotFound)
}

func TestPacketsAreNumberedPerSession(t *testing.T) {
	idx := newIndex(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, idx.OpenSession(Session{ID: "s", PacketType: "ngs", StartedAt: now}))

	require.NoError(t, idx.AddPackets([]PacketRow{
		{SessionID: "s", Time: now, Direction: "to_server", ID: 0x11, SubID: 0x00, Name: "SegaIDLogin", Category: "login", Length: 100},
		{SessionID: "s", Time: now, Direction: "to_client", ID: 0x03, SubID: 0x0B, Name: "ServerPing", Category: "server", Length: 8},
	}))
	require.NoError(t, idx.AddPackets([]PacketRow{
		{SessionID: "s", Time: now, Direction: "to_server", ID: 0x03, SubID: 0x0C, Name: "ServerPong", Category: "server", Length: 8},
	}))

	rows, err := idx.Packets(ctx, "s", "", 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, r := range rows {
		assert.Equal(t, int64(i+1), r.Seq)
	}
	assert.Equal(t, "ServerPong", rows[2].Name)
	assert.Equal(t, uint16(0x0B), rows[1].SubID)

	rows, err = idx.Packets(ctx, "s", "ServerPing", 0, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	rows, err = idx.Packets(ctx, "s", "", 1, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].Seq)
}

func TestForgetCaptureCascades(t *testing.T) {
	idx := newIndex(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, idx.OpenSession(Session{ID: "s", PacketType: "ngs", CapturePath: "old.ppac", StartedAt: now}))
	require.NoError(t, idx.AddPackets([]PacketRow{{SessionID: "s", Time: now, Name: "None"}}))

	n, err := idx.ForgetCapture("old.ppac")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := idx.Packets(ctx, "s", "", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestIndexFollowsBus(t *testing.T) {
	idx := newIndex(t)
	ctx := context.Background()
	bus := events.NewEventBus()
	idx.Subscribe(bus)
	now := time.Now()

	require.NoError(t, bus.EmitSync(ctx, events.Event{Type: events.EventSessionOpened, Payload: events.SessionOpenedPayload{
		SessionID: "x", PacketType: protocol.NA, StartedAt: now,
	}}))
	require.NoError(t, bus.EmitSync(ctx, events.Event{Type: events.EventPacketRelayed, Payload: events.PacketRelayedPayload{
		SessionID: "x", Time: now, Direction: ppac.ToClient, ID: 0x03, SubID: 0x0B,
		Name: "ServerPing", Category: protocol.CategoryServer, Length: 8,
	}}))
	require.NoError(t, bus.EmitSync(ctx, events.Event{Type: events.EventSessionClosed, Payload: events.SessionClosedPayload{
		SessionID: "x", Reason: "done", Packets: 1, Bytes: 8, EndedAt: now,
	}}))

	s, err := idx.Session(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, protocol.NA.String(), s.PacketType)
	assert.Equal(t, "done", s.Reason)

	rows, err := idx.Packets(ctx, "x", "", 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ppac.ToClient.String(), rows[0].Direction)
	assert.Equal(t, protocol.CategoryServer.String(), rows[0].Category)
}

func TestReopenKeepsSchemaAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := NewCaptureIndex(path)
	require.NoError(t, err)
	require.NoError(t, idx.OpenSession(Session{ID: "kept", PacketType: "ngs", StartedAt: time.Now()}))
	require.NoError(t, idx.Close())

	idx, err = NewCaptureIndex(path)
	require.NoError(t, err)
	defer idx.Close()

	var version int
	require.NoError(t, idx.db.queryRow(context.Background(), "PRAGMA user_version").Scan(&version))
	assert.Equal(t, len(schema), version)

	_, err = idx.Session(context.Background(), "kept")
	assert.NoError(t, err)
}
