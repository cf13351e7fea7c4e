package ingestion

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestServer(t *testing.T, runner Runner) *httptest.Server {
	t.Helper()
	logger := zaptest.NewLogger(t)
	svc := NewService(Params{Recordings: testRecordings(), Runner: runner, Logger: logger})
	srv := httptest.NewServer(NewHTTPHandler(svc, logger, 4).Router())
	t.Cleanup(srv.Close)
	return srv
}

func quickRunner() runnerFunc {
	return func(ctx context.Context, job *Job, out Emitter) {
		job.transition(JobStateRunning) //nolint:errcheck
		out.Emit(newEvent(EventStart, StartData{JobID: job.ID, RecordingID: job.RecordingID, VideoID: job.VideoID}))
		out.Emit(newEvent(EventPageSkip, PageMessageData{StreamID: "11", Message: "already archived"}))
		job.transition(JobStateCompleted) //nolint:errcheck
		out.Emit(newEvent(EventComplete, CompleteData{RecordingID: job.RecordingID, ObjectKeys: []string{"k"}}))
	}
}

func postIngest(t *testing.T, srv *httptest.Server, body, accept string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/ingestions", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHTTPIngestStreamsNDJSON(t *testing.T) {
	srv := newTestServer(t, quickRunner())

	resp := postIngest(t, srv, `{"recordingId":"rec-1"}`, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	jobID := resp.Header.Get("X-Job-ID")
	require.NotEmpty(t, jobID)

	var names []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var ev struct {
			Event     string          `json:"event"`
			Data      json.RawMessage `json:"data"`
			Timestamp time.Time       `json:"timestamp"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		assert.False(t, ev.Timestamp.IsZero())
		names = append(names, ev.Event)
		if ev.Event == "start" {
			var data StartData
			require.NoError(t, json.Unmarshal(ev.Data, &data))
			assert.Equal(t, jobID, data.JobID)
		}
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []string{"start", "page_skip", "complete"}, names)
}

func TestHTTPIngestStreamsSSE(t *testing.T) {
	srv := newTestServer(t, quickRunner())

	resp := postIngest(t, srv, `{"recordingId":"rec-1"}`, "text/event-stream")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			events = append(events, name)
		}
	}
	assert.Equal(t, []string{"start", "page_skip", "complete"}, events)
}

func TestHTTPIngestRejectsBadRequests(t *testing.T) {
	srv := newTestServer(t, quickRunner())

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "malformed", body: `{`, want: http.StatusBadRequest},
		{name: "missing id", body: `{"recordingId":"  "}`, want: http.StatusBadRequest},
		{name: "unknown recording", body: `{"recordingId":"rec-404"}`, want: http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := postIngest(t, srv, tc.body, "")
			assert.Equal(t, tc.want, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		})
	}
}

func TestHTTPListAndCancel(t *testing.T) {
	started := make(chan string, 1)
	srv := newTestServer(t, blockingRunner(started))

	resp := postIngest(t, srv, `{"recordingId":"rec-1"}`, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobID := <-started

	listResp, err := srv.Client().Get(srv.URL + "/api/v1/ingestions")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var list struct {
		Jobs []JobSnapshot `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, jobID, list.Jobs[0].JobID)
	assert.Equal(t, "rec-1", list.Jobs[0].RecordingID)

	del := func(id string) int {
		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/ingestions/"+id, nil)
		require.NoError(t, err)
		r, err := srv.Client().Do(req)
		require.NoError(t, err)
		r.Body.Close()
		return r.StatusCode
	}
	assert.Equal(t, http.StatusNotFound, del("unknown"))
	assert.Equal(t, http.StatusAccepted, del(jobID))

	var last string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var ev struct {
			Event string `json:"event"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		last = ev.Event
	}
	assert.Equal(t, "cancelled", last)
}

func TestHTTPHealth(t *testing.T) {
	srv := newTestServer(t, quickRunner())
	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
