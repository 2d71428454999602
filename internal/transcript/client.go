package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bartaai/meshcall/internal/domain"
)

// Engine names a transcription backend.
type Engine string

const (
	EngineWhisper Engine = "whisper"
	EngineWav2Vec Engine = "wav2vec"
	EngineGoogle  Engine = "google"
)

// ParseEngine validates an engine name.
func ParseEngine(s string) (Engine, error) {
	switch e := Engine(s); e {
	case EngineWhisper, EngineWav2Vec, EngineGoogle:
		return e, nil
	default:
		return "", fmt.Errorf("unknown engine %q (want whisper, wav2vec or google)", s)
	}
}

// Segment is one timed piece of a transcript. Times are in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Summary is the backend's digest of a meeting.
type Summary struct {
	Summary     []string `json:"summary"`
	ActionItems []string `json:"action_items"`
}

// backendStatus is the envelope every backend response shares. Request
// validation failures only carry detail, either a string or a list.
type backendStatus struct {
	Status string          `json:"status"`
	Error  string          `json:"error"`
	Detail json.RawMessage `json:"detail"`
}

func (b backendStatus) message() string {
	if b.Error != "" {
		return b.Error
	}
	if len(b.Detail) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(b.Detail, &text); err == nil {
		return text
	}
	return string(b.Detail)
}

type transcribeResponse struct {
	backendStatus
	Transcript []Segment `json:"transcript"`
}

// dialogueLine times are "MM:SS" clock strings.
type dialogueLine struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Dialogue  string `json:"dialogue"`
}

type summaryResponse struct {
	backendStatus
	Data Summary `json:"data"`
}

// clock formats seconds as MM:SS, truncating fractions. Minutes are not
// wrapped into hours.
func clock(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// Client talks to the transcription and summary backend.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a backend client. Requests give up after timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Transcribe uploads the file at path and returns its segments.
func (c *Client) Transcribe(ctx context.Context, path string, engine Engine) ([]Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close form: %w", err)
	}

	url := fmt.Sprintf("%s/api/transcribe/%s", c.baseURL, engine)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp transcribeResponse
	if err := c.do(req, &resp); err != nil {
		return nil, domain.NewError("transcribe", err)
	}
	if resp.Status != "success" {
		return nil, domain.WrapError("transcribe", domain.ErrBackendFailure, resp.message())
	}
	return resp.Transcript, nil
}

// Summarize asks the backend for a summary and action items. An empty
// transcript skips the call.
func (c *Client) Summarize(ctx context.Context, segments []Segment) (Summary, error) {
	if len(segments) == 0 {
		return Summary{}, nil
	}

	lines := make([]dialogueLine, len(segments))
	for i, s := range segments {
		lines[i] = dialogueLine{StartTime: clock(s.Start), EndTime: clock(s.End), Dialogue: s.Text}
	}
	body, err := json.Marshal(lines)
	if err != nil {
		return Summary{}, fmt.Errorf("marshal transcript: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/process-meeting", bytes.NewReader(body))
	if err != nil {
		return Summary{}, fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp summaryResponse
	if err := c.do(req, &resp); err != nil {
		return Summary{}, domain.NewError("summarize", err)
	}
	if resp.Status != "success" {
		return Summary{}, domain.WrapError("summarize", domain.ErrBackendFailure, resp.message())
	}
	return resp.Data, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: http %d: %s", domain.ErrBackendFailure, resp.StatusCode, string(respBody))
		}
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
