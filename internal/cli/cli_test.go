package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/config"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/db"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/ppac"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/protocol"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/proxy"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/serde"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/worker"
)

var captureStart = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

var (
	// NGS header: flags, id, subid
	unknownFrame   = []byte{0x0C, 0, 0, 0, 0x00, 0xEE, 0x34, 0x12, 0xDE, 0xAD, 0xBE, 0xEF}
	truncatedFrame = []byte{0x08, 0, 0, 0, 0x00, 0x11, 0x0E, 0x00}
)

// writeCapture records a ping exchange, an unknown packet and a ClientPong
// that is too short to decode.
func writeCapture(t *testing.T, path string, compress bool) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w, err := ppac.NewWriter(f, protocol.NGS, compress)
	require.NoError(t, err)
	require.NoError(t, w.WritePacket(captureStart, ppac.ToServer, &protocol.ClientPing{Time: 77}))
	require.NoError(t, w.WritePacket(captureStart.Add(time.Second), ppac.ToClient, &protocol.ServerPing{}))
	require.NoError(t, w.WriteData(captureStart.Add(2*time.Second), ppac.ToClient, unknownFrame))
	require.NoError(t, w.WriteData(captureStart.Add(3*time.Second), ppac.ToServer, truncatedFrame))
	require.NoError(t, w.Close())
}

func openCapture(t *testing.T, path string) *ppac.Reader {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	r, err := ppac.Open(bufio.NewReader(f))
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestDumpLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.ppac")
	writeCapture(t, path, true)

	var out bytes.Buffer
	extract := filepath.Join(dir, "extract")
	stats, err := Dump(&out, openCapture(t, path), DumpOptions{ExtractDir: extract})
	require.NoError(t, err)

	assert.Equal(t, DumpStats{Records: 4, Unknown: 1, Raw: 1, Extracted: 2}, stats)
	text := out.String()
	assert.NotContains(t, text, "ClientPing")
	assert.Contains(t, text, "(S -> C) 03-04-06 ServerPing\n")
	assert.Contains(t, text, "(S -> C) 03-04-07 { id: EE, subid: 1234, flags: none }")
	assert.Contains(t, text, "(C -> S) 03-04-08 RAW { header: 110E00 }")

	files, err := os.ReadDir(extract)
	require.NoError(t, err)
	require.Len(t, files, 2)
	unknown, err := os.ReadFile(filepath.Join(extract, fmt.Sprintf("%d_EE_1234", captureStart.Add(2*time.Second).UnixNano())))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, unknown)
}

func TestDumpTableWithPings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.ppac")
	writeCapture(t, path, false)

	var out bytes.Buffer
	stats, err := Dump(&out, openCapture(t, path), DumpOptions{Table: true, Pings: true})
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Records)

	text := out.String()
	for _, want := range []string{"ClientPing", "ServerPing", "Unknown", "RAW", "ToServer", "EE", "1234"} {
		assert.Contains(t, text, want)
	}
	assert.NotContains(t, text, "(C -> S)")
}

func rawRecords(t *testing.T, path string) []ppac.Record {
	t.Helper()
	r := openCapture(t, path)
	r.SetOutputType(ppac.OutputRaw)
	var out []ppac.Record
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, *rec)
	}
}

func TestRepackKeepsLayoutAndRecords(t *testing.T) {
	src := t.TempDir()
	writeCapture(t, filepath.Join(src, "a.ppac"), true)
	writeCapture(t, filepath.Join(src, "day", "b.ppac"), false)
	require.NoError(t, os.WriteFile(filepath.Join(src, "notes.txt"), []byte("hello"), 0o644))

	out := filepath.Join(t.TempDir(), "out")
	var progress bytes.Buffer
	stats, err := Repack(src, out, false, &progress)
	require.NoError(t, err)
	assert.Equal(t, RepackStats{Files: 2, Skipped: 1, Records: 8}, stats)
	assert.Equal(t, 2, strings.Count(progress.String(), "\n"))

	for _, rel := range []string{"a.ppac", filepath.Join("day", "b.ppac")} {
		assert.Equal(t, rawRecords(t, filepath.Join(src, rel)), rawRecords(t, filepath.Join(out, rel)), rel)
	}
	assert.NoFileExists(t, filepath.Join(out, "notes.txt"))

	// a single file lands directly in the output directory
	single := filepath.Join(t.TempDir(), "single")
	stats, err = Repack(filepath.Join(src, "day", "b.ppac"), single, true, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Files)
	assert.FileExists(t, filepath.Join(single, "b.ppac"))
}

func TestIndexCapture(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.ppac")
	writeCapture(t, path, true)

	idx, err := db.NewCaptureIndex(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	defer idx.Close()

	s, err := IndexCapture(idx, path)
	require.NoError(t, err)
	assert.Equal(t, int64(4), s.Packets)
	assert.Equal(t, "NGS", s.PacketType)
	assert.True(t, captureStart.Equal(s.StartedAt))

	// importing again replaces the earlier rows
	again, err := IndexCapture(idx, path)
	require.NoError(t, err)
	assert.Equal(t, s.ID, again.ID)

	ctx := context.Background()
	sessions, err := idx.Sessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, ReasonImported, sessions[0].Reason)
	assert.Equal(t, int64(4), sessions[0].Packets)

	rows, err := idx.Packets(ctx, s.ID, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"ClientPing", "ServerPing", "Unknown", "Raw"},
		[]string{rows[0].Name, rows[1].Name, rows[2].Name, rows[3].Name})
	assert.Equal(t, "ToClient", rows[1].Direction)
	assert.Equal(t, uint8(0xEE), rows[2].ID)
	assert.Equal(t, uint16(0x1234), rows[2].SubID)
	assert.Equal(t, len(unknownFrame), rows[2].Length)

	empty := filepath.Join(dir, "empty.ppac")
	f, err := os.Create(empty)
	require.NoError(t, err)
	w, err := ppac.NewWriter(f, protocol.NGS, false)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	f.Close()
	_, err = IndexCapture(idx, empty)
	assert.Error(t, err)
}

func TestConvert(t *testing.T) {
	w := worker.New(protocol.NGS, serde.JSON)
	raw, err := ConvertToRaw(w, []byte(" \"ServerPing\"\n"))
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	lines, err := ConvertToSer(w, raw+"\n"+raw)
	require.NoError(t, err)
	assert.Equal(t, []string{`"ServerPing"`, `"ServerPing"`}, lines)

	w.SetFormat(serde.MessagePackNamed)
	packed, err := ConvertToSer(w, raw)
	require.NoError(t, err)
	require.Len(t, packed, 1)
	back, err := ConvertToRaw(w, []byte(packed[0]))
	require.NoError(t, err)
	assert.Equal(t, raw, back)

	_, err = ConvertToSer(w, "not hex")
	assert.Error(t, err)
	_, err = ConvertToRaw(w, []byte("%%%"))
	assert.Error(t, err)
}

func TestPPACToolCommands(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.ppac")
	writeCapture(t, path, true)
	dbPath := filepath.Join(dir, "index.db")

	run := func(stdin string, args ...string) (string, error) {
		cmd := NewPPACToolCommand()
		var out, errOut bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&errOut)
		cmd.SetIn(strings.NewReader(stdin))
		cmd.SetArgs(args)
		err := cmd.Execute()
		return out.String(), err
	}

	out, err := run("", "dump", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ServerPing")

	out, err = run("", "index", "--db", dbPath, path)
	require.NoError(t, err)
	assert.Contains(t, out, "4 packets")

	out, err = run("", "sessions", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, ReasonImported)

	out, err = run(`"ServerPing"`, "convert", "--to", "raw")
	require.NoError(t, err)
	hexOut := strings.TrimSpace(out)
	out, err = run("", "convert", hexOut)
	require.NoError(t, err)
	assert.Equal(t, "\"ServerPing\"\n", out)

	_, err = run("", "convert", "--to", "json", hexOut)
	assert.Error(t, err)
	_, err = run("", "dump", filepath.Join(dir, "missing.ppac"))
	assert.Error(t, err)
}

type fakeLive struct {
	sessions []proxy.Info
	killed   []string
}

func (f *fakeLive) Sessions() []proxy.Info { return f.sessions }

func (f *fakeLive) Kill(id string) error {
	f.killed = append(f.killed, id)
	return nil
}

func TestConsole(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	cfg.Proxy.PrivateKeyPath = ""
	cfg.Proxy.UpstreamKeyPath = ""

	now := time.Now()
	live := &fakeLive{sessions: []proxy.Info{
		{ID: "abc12345-0000", ClientAddr: "10.0.0.1:1000", Cipher: "aes-ngs", StartedAt: now, LastActive: now, Packets: 12},
		{ID: "abd99999-0000", ClientAddr: "10.0.0.2:1000", Cipher: "none", StartedAt: now, LastActive: now},
	}}
	quit := 0
	var out bytes.Buffer
	c := NewConsole(cfg, live, nil, func() { quit++ }, strings.NewReader("status\n\nbogus\nquit\n"), &out)

	c.Start(context.Background())
	text := out.String()
	assert.Contains(t, text, "abc12345")
	assert.Contains(t, text, "10.0.0.2:1000")
	assert.Contains(t, text, "Unknown command: 'bogus'")
	assert.Equal(t, 1, quit)

	ctx := context.Background()
	assert.Error(t, c.Execute(ctx, "kill", nil))
	assert.Error(t, c.Execute(ctx, "kill", []string{"ab"}))
	assert.Error(t, c.Execute(ctx, "kill", []string{"zz"}))
	require.NoError(t, c.Execute(ctx, "kill", []string{"abd"}))
	assert.Equal(t, []string{"abd99999-0000"}, live.killed)

	assert.Error(t, c.Execute(ctx, "sessions", nil))

	require.NoError(t, c.Execute(ctx, "setconfig", []string{"max_sessions", "7"}))
	assert.Equal(t, 7, cfg.GetProxy().MaxSessions)
	require.NoError(t, c.Execute(ctx, "setconfig", []string{"compress_capture", "false"}))
	assert.False(t, cfg.GetProxy().CompressCapture)
	assert.Error(t, c.Execute(ctx, "setconfig", []string{"max_sessions", "0"}))
	assert.Equal(t, 7, cfg.GetProxy().MaxSessions)
	assert.Error(t, c.Execute(ctx, "setconfig", []string{"nope", "1"}))
}
