package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/surveillance-pipeline/internal/kafka"
	"github.com/Capitan-Parrot/surveillance-pipeline/internal/models"
)

type fakeSessionRunner struct {
	runs    atomic.Int32
	panicOn string
}

func (f *fakeSessionRunner) Run(ctx context.Context, wc models.WorkerContext) error {
	f.runs.Add(1)
	if wc.SessionID == f.panicOn {
		panic("nil map write")
	}
	<-ctx.Done()
	return nil
}

type fakeFailureMarker struct {
	mu     sync.Mutex
	failed map[string]string
}

func (f *fakeFailureMarker) MarkSessionFailed(_ context.Context, sessionID, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed == nil {
		f.failed = make(map[string]string)
	}
	f.failed[sessionID] = reason
	return true, nil
}

func (f *fakeFailureMarker) reason(sessionID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.failed[sessionID]
	return r, ok
}

type chanSource chan kafka.Message

func (c chanSource) Messages() <-chan kafka.Message { return c }

func workerFor(id string) models.WorkerContext {
	return models.WorkerContext{SessionID: id, StreamURL: "https://media/x", Interval: 5, Prompt: "p", UserID: "u-1"}
}

func TestRunner_DuplicateStartIgnored(t *testing.T) {
	sr := &fakeSessionRunner{}
	r := New(sr, chanSource(nil), &fakeFailureMarker{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.True(t, r.Start(ctx, workerFor("s-1")))
	assert.False(t, r.Start(ctx, workerFor("s-1")))
	assert.Equal(t, []string{"s-1"}, r.Active())

	assert.True(t, r.Stop("s-1"))
	r.Wait()
	assert.Empty(t, r.Active())
	assert.False(t, r.Stop("s-1"))
	assert.Equal(t, int32(1), sr.runs.Load())
}

func TestRunner_PanicIsolated(t *testing.T) {
	sr := &fakeSessionRunner{panicOn: "s-bad"}
	marker := &fakeFailureMarker{}
	r := New(sr, chanSource(nil), marker, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())

	r.Start(ctx, workerFor("s-good"))
	r.Start(ctx, workerFor("s-bad"))

	require.Eventually(t, func() bool {
		_, ok := marker.reason("s-bad")
		return ok
	}, time.Second, 5*time.Millisecond)

	reason, _ := marker.reason("s-bad")
	assert.Contains(t, reason, "worker panicked")
	_, goodFailed := marker.reason("s-good")
	assert.False(t, goodFailed)
	assert.Equal(t, []string{"s-good"}, r.Active())

	cancel()
	r.Wait()
}

func TestRunner_ListenAndRun(t *testing.T) {
	sr := &fakeSessionRunner{}
	source := make(chanSource)
	r := New(sr, source, &fakeFailureMarker{}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		r.ListenAndRun(context.Background())
		close(done)
	}()

	start, err := json.Marshal(models.SessionCommand{SessionID: "s-1", Action: models.CommandStart, Worker: &models.WorkerContext{
		SessionID: "s-1", StreamURL: "https://media/x", Interval: 5, Prompt: "p", UserID: "u-1",
	}})
	require.NoError(t, err)
	source <- kafka.Message{Value: start}
	source <- kafka.Message{Value: []byte("not json")}

	require.Eventually(t, func() bool { return len(r.Active()) == 1 }, time.Second, 5*time.Millisecond)

	stop, err := json.Marshal(models.SessionCommand{SessionID: "s-1", Action: models.CommandStop})
	require.NoError(t, err)
	source <- kafka.Message{Value: stop}

	require.Eventually(t, func() bool { return len(r.Active()) == 0 }, time.Second, 5*time.Millisecond)

	close(source)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not exit after the command stream closed")
	}
	assert.Equal(t, int32(1), sr.runs.Load())
}

func TestRunner_StartWithoutWorkerContextRejected(t *testing.T) {
	r := New(&fakeSessionRunner{}, chanSource(nil), &fakeFailureMarker{}, zap.NewNop())

	payload, err := json.Marshal(models.SessionCommand{SessionID: "s-1", Action: models.CommandStart})
	require.NoError(t, err)

	assert.Error(t, r.handle(context.Background(), payload))
	assert.Empty(t, r.Active())
}
