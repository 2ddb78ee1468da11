package tracking

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-probe/training"
)

type recorded struct {
	Method string
	Path   string
	Body   map[string]interface{}
}

// mockTracker records every request and answers with status.
type mockTracker struct {
	mu       sync.Mutex
	requests []recorded
	status   int32
}

func (m *mockTracker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	m.mu.Lock()
	m.requests = append(m.requests, recorded{Method: r.Method, Path: r.URL.Path, Body: body})
	m.mu.Unlock()

	w.WriteHeader(int(atomic.LoadInt32(&m.status)))
	_, _ = w.Write([]byte(`{"success":true}`))
}

func (m *mockTracker) all() []recorded {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recorded(nil), m.requests...)
}

func newTestClient(t *testing.T, status int) (*Client, *mockTracker) {
	t.Helper()
	tracker := &mockTracker{status: int32(status)}
	server := httptest.NewServer(tracker)
	t.Cleanup(server.Close)

	client := NewClient(Config{
		BaseURL:       server.URL + "/",
		Project:       "probe-tests",
		RunName:       "mlp_act_layer_1",
		Timeout:       5 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	}, nil)
	return client, tracker
}

func TestClientRunLifecycle(t *testing.T) {
	client, tracker := newTestClient(t, http.StatusOK)
	ctx := context.Background()

	require.NoError(t, client.CheckHealth(ctx))
	require.NoError(t, client.Start(ctx))
	id := client.RunID()
	require.NotEmpty(t, id)

	require.NoError(t, client.LogHyperparams(ctx, map[string]interface{}{"hidden_size": 512}))
	require.NoError(t, client.LogMetrics(ctx, 2, map[string]float64{"train_loss": 0.5}))
	require.NoError(t, client.LogImage(ctx, "tsne_plot", []byte{0x89, 'P', 'N', 'G'}))
	require.NoError(t, client.LogPlot(ctx, training.PlotData{Title: "curves"}))
	require.NoError(t, client.Finish(ctx, nil))

	reqs := tracker.all()
	require.Len(t, reqs, 7)

	assert.Equal(t, "GET", reqs[0].Method)
	assert.Equal(t, "/health", reqs[0].Path)

	assert.Equal(t, "/api/runs", reqs[1].Path)
	assert.Equal(t, id, reqs[1].Body["id"])
	assert.Equal(t, "probe-tests", reqs[1].Body["project"])
	assert.Equal(t, "mlp_act_layer_1", reqs[1].Body["name"])

	prefix := "/api/runs/" + id + "/"
	assert.Equal(t, prefix+"config", reqs[2].Path)
	assert.Equal(t, float64(512), reqs[2].Body["config"].(map[string]interface{})["hidden_size"])

	assert.Equal(t, prefix+"metrics", reqs[3].Path)
	assert.Equal(t, float64(2), reqs[3].Body["step"])
	assert.Equal(t, 0.5, reqs[3].Body["metrics"].(map[string]interface{})["train_loss"])

	assert.Equal(t, prefix+"images", reqs[4].Path)
	assert.Equal(t, "tsne_plot", reqs[4].Body["key"])
	png, err := base64.StdEncoding.DecodeString(reqs[4].Body["data"].(string))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png)

	assert.Equal(t, prefix+"plots", reqs[5].Path)
	assert.Equal(t, "curves", reqs[5].Body["title"])

	assert.Equal(t, prefix+"finish", reqs[6].Path)
	assert.Equal(t, "finished", reqs[6].Body["status"])
	assert.NotContains(t, reqs[6].Body, "error")
}

func TestClientFinishFailedRun(t *testing.T) {
	client, tracker := newTestClient(t, http.StatusOK)
	ctx := context.Background()

	require.NoError(t, client.Start(ctx))
	require.NoError(t, client.Finish(ctx, errors.Wrap(context.Canceled, "training")))

	reqs := tracker.all()
	require.Len(t, reqs, 2)
	assert.Equal(t, "failed", reqs[1].Body["status"])
	assert.Equal(t, "training: context canceled", reqs[1].Body["error"])
}

func TestClientRequiresStart(t *testing.T) {
	client, tracker := newTestClient(t, http.StatusOK)

	err := client.LogMetrics(context.Background(), 0, map[string]float64{"x": 1})
	assert.True(t, errors.Is(err, ErrNotStarted))
	assert.Empty(t, tracker.all())
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	client, tracker := newTestClient(t, http.StatusBadRequest)

	err := client.Start(context.Background())
	require.Error(t, err)

	var status *StatusError
	require.True(t, errors.As(err, &status))
	assert.Equal(t, http.StatusBadRequest, status.Code)
	assert.Len(t, tracker.all(), 1)
	assert.Empty(t, client.RunID())
}

func TestClientRetriesServerErrors(t *testing.T) {
	client, tracker := newTestClient(t, http.StatusServiceUnavailable)

	err := client.CheckHealth(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "after 3 attempts"), err.Error())
	assert.Len(t, tracker.all(), 3)
}

func TestClientRecoversAfterRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, Timeout: time.Second, RetryAttempts: 2, RetryDelay: time.Millisecond}, nil)
	require.NoError(t, client.Start(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClientHonorsCancellation(t *testing.T) {
	client, _ := newTestClient(t, http.StatusOK)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, client.CheckHealth(ctx))
}
