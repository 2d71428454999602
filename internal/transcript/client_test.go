package transcript

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bartaai/meshcall/internal/domain"

	"github.com/stretchr/testify/require"
)

func writeUpload(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meeting.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF....WAVE"), 0o644))
	return path
}

func TestTranscribe_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/transcribe/whisper", r.URL.Path)

		f, header, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		require.Equal(t, "meeting.wav", header.Filename)
		require.Equal(t, "RIFF....WAVE", string(data))

		w.Write([]byte(`{"status":"success","transcript":[{"start":0,"end":1.5,"text":"hello"},{"start":1.5,"end":3,"text":"world"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	segments, err := c.Transcribe(context.Background(), writeUpload(t), EngineWhisper)
	require.NoError(t, err)
	require.Equal(t, []Segment{
		{Start: 0, End: 1.5, Text: "hello"},
		{Start: 1.5, End: 3, Text: "world"},
	}, segments)
}

func TestTranscribe_BackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"status":"error","error":"model not loaded"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	_, err := c.Transcribe(context.Background(), writeUpload(t), EngineGoogle)
	require.ErrorIs(t, err, domain.ErrBackendFailure)
	require.Contains(t, err.Error(), "model not loaded")
}

func TestTranscribe_NonJSONFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	_, err := c.Transcribe(context.Background(), writeUpload(t), EngineWav2Vec)
	require.ErrorIs(t, err, domain.ErrBackendFailure)
}

func TestTranscribe_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(srv.URL, 50*time.Millisecond)
	_, err := c.Transcribe(context.Background(), writeUpload(t), EngineWhisper)
	require.Error(t, err)

	var opErr *domain.OpError
	require.True(t, errors.As(err, &opErr))
	require.Equal(t, "transcribe", opErr.Op)
}

func TestTranscribe_MissingFile(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", time.Second)
	_, err := c.Transcribe(context.Background(), filepath.Join(t.TempDir(), "nope.wav"), EngineWhisper)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSummarize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/process-meeting", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.JSONEq(t, `[{"start_time":"01:05","end_time":"01:07","dialogue":"ship it"}]`, string(body))

		w.Write([]byte(`{"status":"success","data":{"summary":["release planned"],"action_items":["tag v1"]}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	got, err := c.Summarize(context.Background(), []Segment{{Start: 65, End: 67.9, Text: "ship it"}})
	require.NoError(t, err)
	require.Equal(t, Summary{Summary: []string{"release planned"}, ActionItems: []string{"tag v1"}}, got)
}

func TestSummarize_ValidationDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":[{"loc":["body",0,"start_time"],"msg":"Input should be a valid string"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	_, err := c.Summarize(context.Background(), []Segment{{Start: 0, End: 1, Text: "hi"}})
	require.ErrorIs(t, err, domain.ErrBackendFailure)
	require.Contains(t, err.Error(), "Input should be a valid string")
}

func TestSummarize_StringDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"detail":"Error processing meeting summary: quota"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	_, err := c.Summarize(context.Background(), []Segment{{Start: 0, End: 1, Text: "hi"}})
	require.ErrorIs(t, err, domain.ErrBackendFailure)
	require.Contains(t, err.Error(), "Error processing meeting summary: quota")
}

func TestClock(t *testing.T) {
	require.Equal(t, "00:00", clock(0))
	require.Equal(t, "00:09", clock(9.99))
	require.Equal(t, "02:31", clock(151))
	require.Equal(t, "75:00", clock(4500))
	require.Equal(t, "00:00", clock(-3))
}

func TestSummarize_EmptyTranscriptSkipsCall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	got, err := c.Summarize(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, got.Summary)
	require.False(t, called)
}

func TestParseEngine(t *testing.T) {
	e, err := ParseEngine("wav2vec")
	require.NoError(t, err)
	require.Equal(t, EngineWav2Vec, e)

	_, err = ParseEngine("siri")
	require.Error(t, err)
}
