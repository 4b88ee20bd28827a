package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electronicpartnerio/realtime-communication/internal/jobtracker"
	"github.com/electronicpartnerio/realtime-communication/internal/storage/file"
	"github.com/electronicpartnerio/realtime-communication/pkg/types"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "rtc", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	commands := cmd.Commands()
	assert.Len(t, commands, 5, "Should have 5 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Use] = true
	}
	for _, name := range []string{"listen", "send", "resume", "jobs", "watched"} {
		assert.True(t, commandNames[name], "Should have %q command", name)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "rtc.yaml", configFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("env-file"))
}

func TestBuildSendCommand(t *testing.T) {
	cmd := buildSendCommand()

	assert.Equal(t, "send", cmd.Use)
	typeFlag := cmd.Flags().Lookup("type")
	require.NotNil(t, typeFlag)
	assert.Equal(t, "t", typeFlag.Shorthand)
	assert.NotNil(t, cmd.Flags().Lookup("job"))
	assert.NotNil(t, cmd.Flags().Lookup("timeout"))
	assert.NotNil(t, cmd.Flags().Lookup("data"))
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestParsePayload(t *testing.T) {
	p, err := parsePayload("")
	require.NoError(t, err)
	assert.Empty(t, p)

	p, err = parsePayload(`{"reportId": 7}`)
	require.NoError(t, err)
	assert.Equal(t, float64(7), p["reportId"])

	_, err = parsePayload(`[1,2]`)
	assert.Error(t, err)
}

func TestWriteYAML(t *testing.T) {
	var buf bytes.Buffer
	err := writeYAML(&buf, []types.JobRecord{{JobID: "J-1", Status: types.JobPending, Type: "export"}})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "jobId: J-1")
	assert.Contains(t, out, "status: pending")

	buf.Reset()
	require.NoError(t, writeYAML(&buf, []types.JobRecord(nil)))
	assert.Equal(t, "[]\n", buf.String())
}

// ============================================================================
// Command execution
// ============================================================================

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "rtc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--env-file", ""}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestJobsCommand(t *testing.T) {
	dir := t.TempDir()
	storeDir := filepath.Join(dir, "store")

	store, err := file.New(storeDir)
	require.NoError(t, err)
	tracker := jobtracker.New(store, "", nil)
	ctx := context.Background()
	tracker.Upsert(ctx, types.JobRecord{JobID: "J-1", Status: types.JobPending, Type: "export"})
	tracker.Upsert(ctx, types.JobRecord{JobID: "J-2", Status: types.JobDone, Type: "export"})
	require.NoError(t, store.Close())

	cfg := writeConfig(t, dir, "durable:\n  driver: file\n  path: "+storeDir+"\n")

	out, err := execute(t, "-c", cfg, "jobs")
	require.NoError(t, err)
	assert.Contains(t, out, "J-1")
	assert.Contains(t, out, "J-2")

	out, err = execute(t, "-c", cfg, "jobs", "--pending")
	require.NoError(t, err)
	assert.Contains(t, out, "J-1")
	assert.NotContains(t, out, "J-2")
}

func TestWatchedCommandEmpty(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "durable:\n  driver: memory\n")

	out, err := execute(t, "-c", cfg, "watched")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)
}

func TestSendCommand(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg["type"] != "ping" {
				continue
			}
			msg["pong"] = true
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	cfg := writeConfig(t, dir, "url: "+url+"\ndurable:\n  driver: memory\n")

	out, err := execute(t, "-c", cfg, "send", "-t", "ping", "-d", `{"n": 1}`, "--timeout", "5s")
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &frame))
	assert.Equal(t, "ping", frame["type"])
	assert.Equal(t, true, frame["pong"])
	assert.Equal(t, float64(1), frame["n"])
	assert.NotEmpty(t, frame["correlationId"])
}

func TestSendWithoutURL(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "durable:\n  driver: memory\n")

	_, err := execute(t, "-c", cfg, "send", "-t", "ping")
	assert.ErrorContains(t, err, "url is not configured")
}

func TestInvalidDriver(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "durable:\n  driver: redis\n")

	_, err := execute(t, "-c", cfg, "jobs")
	assert.ErrorContains(t, err, "unknown durable driver")
}
