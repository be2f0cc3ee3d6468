package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/surveillance-pipeline/internal/models"
)

type recordingMarker struct {
	mu     sync.Mutex
	failed map[string]string
}

func (m *recordingMarker) MarkSessionFailed(_ context.Context, sessionID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed == nil {
		m.failed = make(map[string]string)
	}
	m.failed[sessionID] = reason
	return true, nil
}

func (m *recordingMarker) get(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.failed[sessionID]
	return r, ok
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runner.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func testWorker(id string) models.WorkerContext {
	return models.WorkerContext{SessionID: id, StreamURL: "https://media/x", Interval: 5, Prompt: "detect person", UserID: "U1"}
}

func TestProcessSpawner_Args(t *testing.T) {
	p := NewProcessSpawner(ProcessSpawnerConfig{Binary: "runner", ConfigPath: "config/local.yaml"}, &recordingMarker{}, zap.NewNop())

	assert.Equal(t, []string{
		"--config", "config/local.yaml",
		"capture",
		"--session", "s-1",
		"--stream-url", "https://media/x",
		"--interval", "5",
		"--prompt", "detect person",
		"--user", "U1",
	}, p.args(testWorker("s-1")))
}

func TestProcessSpawner_CrashMarksFailed(t *testing.T) {
	marker := &recordingMarker{}
	p := NewProcessSpawner(ProcessSpawnerConfig{Binary: writeScript(t, "exit 3")}, marker, zap.NewNop())

	require.NoError(t, p.Spawn(context.Background(), testWorker("s-1")))

	require.Eventually(t, func() bool {
		_, ok := marker.get("s-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	reason, _ := marker.get("s-1")
	assert.Contains(t, reason, "exit status 3")
	assert.Empty(t, p.Running())
}

func TestProcessSpawner_StopIsNotAFailure(t *testing.T) {
	marker := &recordingMarker{}
	script := writeScript(t, "trap 'exit 0' TERM\nwhile true; do sleep 0.1; done")
	p := NewProcessSpawner(ProcessSpawnerConfig{Binary: script, StopGrace: 2 * time.Second}, marker, zap.NewNop())

	require.NoError(t, p.Spawn(context.Background(), testWorker("s-1")))
	require.NoError(t, p.Spawn(context.Background(), testWorker("s-2")))
	assert.Equal(t, []string{"s-1", "s-2"}, p.Running())

	require.NoError(t, p.Stop(context.Background(), "s-1"))
	require.Eventually(t, func() bool {
		return len(p.Running()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"s-2"}, p.Running(), "other sessions keep running")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	p.Shutdown(ctx)

	assert.Empty(t, p.Running())
	_, failed := marker.get("s-1")
	assert.False(t, failed)
	_, failed = marker.get("s-2")
	assert.False(t, failed)
}

func TestProcessSpawner_StopUnknownSession(t *testing.T) {
	p := NewProcessSpawner(ProcessSpawnerConfig{}, &recordingMarker{}, zap.NewNop())
	assert.NoError(t, p.Stop(context.Background(), "nope"))
}

func TestProcessSpawner_MissingBinary(t *testing.T) {
	p := NewProcessSpawner(ProcessSpawnerConfig{Binary: filepath.Join(t.TempDir(), "missing")}, &recordingMarker{}, zap.NewNop())
	assert.Error(t, p.Spawn(context.Background(), testWorker("s-1")))
	assert.Empty(t, p.Running())
}

type fakePublisher struct {
	sent []models.SessionCommand
	err  error
}

func (f *fakePublisher) SendCommand(cmd models.SessionCommand) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func TestKafkaSpawner(t *testing.T) {
	pub := &fakePublisher{}
	k := NewKafkaSpawner(pub, zap.NewNop())

	require.NoError(t, k.Spawn(context.Background(), testWorker("s-1")))
	require.NoError(t, k.Stop(context.Background(), "s-1"))

	require.Len(t, pub.sent, 2)
	assert.Equal(t, models.CommandStart, pub.sent[0].Action)
	require.NotNil(t, pub.sent[0].Worker)
	assert.Equal(t, testWorker("s-1"), *pub.sent[0].Worker)
	assert.Equal(t, models.CommandStop, pub.sent[1].Action)
	assert.Nil(t, pub.sent[1].Worker)
}

func TestKafkaSpawner_PublishFailureIsSpawnFailure(t *testing.T) {
	k := NewKafkaSpawner(&fakePublisher{err: errors.New("kafka: client has run out of available brokers")}, zap.NewNop())
	assert.ErrorContains(t, k.Spawn(context.Background(), testWorker("s-1")), "publish start command")
}
