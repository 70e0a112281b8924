// Package httpapi is the client for the backend HTTP/SSE surface: draft
// streaming session lifecycle, LLM workflow dispatch and status polling,
// TTS triggering, and the URL shapes of the two
// push-stream endpoints. The backend's own implementation is an external
// collaborator; this package only speaks its wire contract.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// PrivacyLevel mirrors the backend's draft-init privacy enum.
type PrivacyLevel string

const (
	PrivacyPrivate PrivacyLevel = "private"
	PrivacyCircles PrivacyLevel = "circles"
	PrivacyPublic  PrivacyLevel = "public"
)

// AIUsage mirrors the backend's draft-init ai_usage enum.
type AIUsage string

const (
	AIUsageNone AIUsage = "none"
	AIUsageChat AIUsage = "chat"
	AIUsageTrain AIUsage = "train"
)

// LLMStatus is the status enum returned by the LLM status endpoint.
type LLMStatus string

const (
	LLMStatusPending    LLMStatus = "pending"
	LLMStatusProcessing LLMStatus = "processing"
	LLMStatusCompleted  LLMStatus = "completed"
	LLMStatusFailed     LLMStatus = "failed"
)

type InitRequest struct {
	ParentID     *int64       `json:"parent_id,omitempty"`
	PrivacyLevel PrivacyLevel `json:"privacy_level"`
	AIUsage      AIUsage      `json:"ai_usage"`
}

type InitResponse struct {
	DraftID   string `json:"draft_id"`
	SessionID string `json:"session_id"`
}

type NodeRecord struct {
	ID      string          `json:"id"`
	Content json.RawMessage `json:"content,omitempty"`
}

type WorkflowRequest struct {
	Content   string  `json:"content"`
	ParentID  *string `json:"parent_id,omitempty"`
	SessionID *string `json:"session_id,omitempty"`
}

type WorkflowResponse struct {
	UserNodeID     string  `json:"user_node_id"`
	LLMNodeID      string  `json:"llm_node_id"`
	ConversationID *string `json:"conversation_id,omitempty"`
}

type LLMStatusResponse struct {
	Status   LLMStatus `json:"status"`
	Progress *float64  `json:"progress,omitempty"`
	Content  *string   `json:"content,omitempty"`
	Error    *string   `json:"error,omitempty"`
}

// Client talks to the backend over HTTP. Zero value is not usable; build
// with New.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a Client against baseURL (no trailing slash expected). The
// transport is wrapped with otelhttp so every request produces a span and
// propagates trace context to the backend.
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HTTPClient exposes the instrumented HTTP client, for collaborators (such
// as core/taskpoll's Poller) that need to issue their own requests against
// this backend with the same transport.
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

// BaseURL returns the backend base URL this client was built with.
func (c *Client) BaseURL() string { return c.baseURL }

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the client used to send requests. The supplied
// client's Transport is wrapped with otelhttp if not already instrumented.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client == nil {
			return
		}
		wrapped := *client
		if wrapped.Transport == nil {
			wrapped.Transport = http.DefaultTransport
		}
		if _, instrumented := wrapped.Transport.(*otelhttp.Transport); !instrumented {
			wrapped.Transport = otelhttp.NewTransport(wrapped.Transport)
		}
		c.httpClient = &wrapped
	}
}

func (c *Client) postJSON(ctx context.Context, path string, reqBody, respBody any) error {
	ctx, span := tracer.Start(ctx, "httpapi.postJSON")
	defer span.End()
	span.SetAttributes(attribute.String("http.path", path))

	var body io.Reader
	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("httpapi: encoding request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("httpapi: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("httpapi: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("httpapi: %s: unexpected status %d", path, resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if respBody == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("httpapi: %s: decoding response: %w", path, err)
	}
	return nil
}

// InitDraftSession starts a new streaming draft session.
func (c *Client) InitDraftSession(ctx context.Context, req InitRequest) (*InitResponse, error) {
	var resp InitResponse
	if err := c.postJSON(ctx, "/drafts/streaming/init", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadAudioChunk sends one multipart chunk upload. Callers are responsible
// for the per-request timeout via ctx and for the retry policy around this
// call.
func (c *Client) UploadAudioChunk(ctx context.Context, sessionID string, index int, mimeType string, blob []byte) error {
	ctx, span := tracer.Start(ctx, "httpapi.uploadAudioChunk")
	defer span.End()
	span.SetAttributes(attribute.Int("chunk.index", index))

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("chunk", fmt.Sprintf("chunk-%d", index))
	if err != nil {
		return fmt.Errorf("httpapi: creating form file: %w", err)
	}
	if _, err := part.Write(blob); err != nil {
		return fmt.Errorf("httpapi: writing chunk bytes: %w", err)
	}
	if err := writer.WriteField("chunk_index", strconv.Itoa(index)); err != nil {
		return fmt.Errorf("httpapi: writing chunk_index field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("httpapi: closing multipart writer: %w", err)
	}

	path := fmt.Sprintf("/drafts/streaming/%s/audio-chunk", sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("httpapi: building request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("httpapi: uploading chunk %d: %w", index, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("httpapi: uploading chunk %d: unexpected status %d", index, resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Finalize marks a streaming session's upload phase complete.
func (c *Client) Finalize(ctx context.Context, sessionID string, totalChunks int) error {
	path := fmt.Sprintf("/drafts/streaming/%s/finalize", sessionID)
	return c.postJSON(ctx, path, struct {
		TotalChunks int `json:"total_chunks"`
	}{TotalChunks: totalChunks}, nil)
}

// SaveAsNode promotes a draft to a permanent node.
func (c *Client) SaveAsNode(ctx context.Context, sessionID, content string) (*NodeRecord, error) {
	path := fmt.Sprintf("/drafts/streaming/%s/save-as-node", sessionID)
	var node NodeRecord
	if err := c.postJSON(ctx, path, struct {
		Content string `json:"content"`
	}{Content: content}, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// TriggerWorkflow posts a transcript to an LLM workflow endpoint (e.g.
// "reflect", "orient", "converse/start").
func (c *Client) TriggerWorkflow(ctx context.Context, workflow string, req WorkflowRequest) (*WorkflowResponse, error) {
	var resp WorkflowResponse
	if err := c.postJSON(ctx, "/"+workflow, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetLLMStatus fetches the current status of an LLM job node.
func (c *Client) GetLLMStatus(ctx context.Context, nodeID string) (*LLMStatusResponse, error) {
	ctx, span := tracer.Start(ctx, "httpapi.getLLMStatus")
	defer span.End()

	path := fmt.Sprintf("/nodes/%s/llm-status", nodeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("httpapi: building request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("httpapi: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("httpapi: %s: unexpected status %d", path, resp.StatusCode)
	}

	var status LLMStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("httpapi: %s: decoding response: %w", path, err)
	}
	return &status, nil
}

// TriggerTTS kicks off out-of-band TTS generation for a node.
func (c *Client) TriggerTTS(ctx context.Context, nodeID string) error {
	path := fmt.Sprintf("/nodes/%s/tts", nodeID)
	return c.postJSON(ctx, path, nil, nil)
}

// TranscriptionStreamURL builds the SSE URL for a draft's transcription
// stream, optionally resuming from lastChunk.
func (c *Client) TranscriptionStreamURL(sessionID string, lastChunk *int) string {
	u := fmt.Sprintf("%s/api/sse/drafts/%s/transcription-stream", c.baseURL, sessionID)
	if lastChunk != nil {
		q := url.Values{}
		q.Set("last_chunk", strconv.Itoa(*lastChunk))
		u += "?" + q.Encode()
	}
	return u
}

// TTSStreamURL builds the SSE URL for a node's TTS stream.
func (c *Client) TTSStreamURL(nodeID string) string {
	return fmt.Sprintf("%s/api/sse/nodes/%s/tts-stream", c.baseURL, nodeID)
}
