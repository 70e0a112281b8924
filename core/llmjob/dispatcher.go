// Package llmjob implements component F: posting a finished transcript to a
// backend LLM workflow endpoint and polling the resulting node until the
// model's reply is ready.
package llmjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hrosspet/voicecore/core/taskpoll"
	"github.com/hrosspet/voicecore/internal/httpapi"
)

// ErrAlreadyDispatched is returned by Dispatch when a job is already in
// flight; call Cancel first to abandon it.
var ErrAlreadyDispatched = errors.New("llmjob: a job is already being polled")

const defaultPollInterval = 1500 * time.Millisecond

// Dispatcher posts a transcript to a workflow endpoint and polls the
// resulting LLM node to completion.
type Dispatcher struct {
	client       *httpapi.Client
	pollInterval time.Duration

	onCompleted func(nodeID, content string)
	onFailed    func(error)

	poller *taskpoll.Poller
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPollInterval overrides the LLM-status poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(d2 *Dispatcher) {
		if d > 0 {
			d2.pollInterval = d
		}
	}
}

// WithOnCompleted registers the callback invoked with (llmNodeId, content)
// once the polled job reaches "completed".
func WithOnCompleted(fn func(nodeID, content string)) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.onCompleted = fn
		}
	}
}

// WithOnFailed registers the callback invoked once the polled job reaches
// "failed" or the poller times out.
func WithOnFailed(fn func(error)) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.onFailed = fn
		}
	}
}

// New builds a Dispatcher against client.
func New(client *httpapi.Client, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client:       client,
		pollInterval: defaultPollInterval,
		onCompleted:  func(string, string) {},
		onFailed:     func(error) {},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch posts content to workflow and begins polling the resulting LLM
// node. Returns the {userNodeId, llmNodeId} pair from the trigger response;
// completion/failure arrive later via the OnCompleted/OnFailed callbacks.
func (d *Dispatcher) Dispatch(ctx context.Context, workflow string, content string, parentID, sessionID *string) (*httpapi.WorkflowResponse, error) {
	ctx, span := tracer.Start(ctx, "llmjob.dispatch")
	defer span.End()

	if d.poller != nil && d.poller.IsPolling() {
		return nil, ErrAlreadyDispatched
	}

	resp, err := d.client.TriggerWorkflow(ctx, workflow, httpapi.WorkflowRequest{
		Content:   content,
		ParentID:  parentID,
		SessionID: sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("llmjob: triggering workflow %s: %w", workflow, err)
	}

	d.poller = taskpoll.New(decodeLLMStatus,
		taskpoll.WithHTTPClient(d.client.HTTPClient()),
		taskpoll.WithPollInterval(d.pollInterval),
		taskpoll.WithOnUpdate(d.handleUpdate(resp.LLMNodeID)),
	)
	endpoint := fmt.Sprintf("%s/nodes/%s/llm-status", d.client.BaseURL(), resp.LLMNodeID)
	d.poller.Start(ctx, endpoint)

	return resp, nil
}

// Resume begins polling an already-dispatched LLM node directly, without
// triggering a new workflow. Used to rejoin an in-flight job after a
// page-refresh style restart.
func (d *Dispatcher) Resume(ctx context.Context, llmNodeID string) error {
	ctx, span := tracer.Start(ctx, "llmjob.resume")
	defer span.End()

	if d.poller != nil && d.poller.IsPolling() {
		return ErrAlreadyDispatched
	}

	d.poller = taskpoll.New(decodeLLMStatus,
		taskpoll.WithHTTPClient(d.client.HTTPClient()),
		taskpoll.WithPollInterval(d.pollInterval),
		taskpoll.WithOnUpdate(d.handleUpdate(llmNodeID)),
	)
	endpoint := fmt.Sprintf("%s/nodes/%s/llm-status", d.client.BaseURL(), llmNodeID)
	d.poller.Start(ctx, endpoint)
	return nil
}

// Cancel stops polling without invoking either callback.
func (d *Dispatcher) Cancel() {
	if d.poller != nil {
		d.poller.Stop()
	}
}

func (d *Dispatcher) handleUpdate(nodeID string) func(taskpoll.Snapshot) {
	return func(snap taskpoll.Snapshot) {
		switch snap.Status {
		case taskpoll.StatusComplete:
			var status httpapi.LLMStatusResponse
			content := ""
			if err := json.Unmarshal(snap.Data, &status); err == nil && status.Content != nil {
				content = *status.Content
			}
			d.onCompleted(nodeID, content)
		case taskpoll.StatusFailed, taskpoll.StatusTimedOut:
			d.onFailed(snap.Err)
		}
	}
}

func decodeLLMStatus(body []byte) (taskpoll.Result, error) {
	var status httpapi.LLMStatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return taskpoll.Result{}, err
	}

	progress := 0.0
	if status.Progress != nil {
		progress = *status.Progress
	}

	switch status.Status {
	case httpapi.LLMStatusCompleted:
		return taskpoll.Result{Done: true, Progress: 100, Data: body}, nil
	case httpapi.LLMStatusFailed:
		return taskpoll.Result{Failed: true, Data: body}, nil
	default:
		return taskpoll.Result{Progress: progress, Data: body}, nil
	}
}
