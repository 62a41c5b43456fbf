package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mixsignal/internal/model"
	"github.com/sells-group/mixsignal/internal/resilience"
)

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func testEvent() model.RunEvent {
	return model.RunEvent{
		Event:     model.EventPipelineFinished,
		RunID:     "run-1",
		Status:    model.RunCompleted,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestWebhook_Send(t *testing.T) {
	var got model.RunEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhook(srv.URL, fastRetry()).Send(context.Background(), testEvent()))
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, model.EventPipelineFinished, got.Event)
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhook(srv.URL, fastRetry()).Send(context.Background(), testEvent()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhook_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, fastRetry()).Send(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), calls.Load())
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	errs []error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafka_Send(t *testing.T) {
	k := NewKafka("localhost:9092", "pipeline-events", fastRetry())
	fw := &fakeWriter{errs: []error{kafka.LeaderNotAvailable}}
	k.writer = fw

	require.NoError(t, k.Send(context.Background(), testEvent()))
	require.Len(t, fw.msgs, 1)
	assert.Equal(t, "run-1", string(fw.msgs[0].Key))

	var ev model.RunEvent
	require.NoError(t, json.Unmarshal(fw.msgs[0].Value, &ev))
	assert.Equal(t, model.RunCompleted, ev.Status)
	assert.Equal(t, "kafka:pipeline-events", k.Name())
	assert.NoError(t, k.Close())
}

func TestKafka_PermanentError(t *testing.T) {
	k := NewKafka("localhost:9092", "pipeline-events", fastRetry())
	k.writer = &fakeWriter{errs: []error{errors.New("topic authorization failed")}}

	err := k.Send(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline-events")
}

type recordingSink struct {
	name string
	err  error
	mu   sync.Mutex
	got  []model.RunEvent
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Send(_ context.Context, ev model.RunEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ev)
	return r.err
}

func TestForward(t *testing.T) {
	ok := &recordingSink{name: "ok"}
	bad := &recordingSink{name: "bad", err: errors.New("down")}
	events := make(chan model.RunEvent, 2)
	events <- testEvent()
	second := testEvent()
	second.RunID = "run-2"
	events <- second
	close(events)

	Forward(context.Background(), events, ok, bad)

	require.Len(t, ok.got, 2)
	assert.Equal(t, "run-2", ok.got[1].RunID)
	assert.Len(t, bad.got, 2, "a failing sink still receives every event")
}
