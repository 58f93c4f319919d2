package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ResultFile is where the workflow engine writes the answer it received.
const ResultFile = "result.md"

// Workflow runs the agent through a blocking HTTP workflow endpoint
// (POST {BaseURL}/workflows/run). The remote side enforces its own tool
// set; the allow-list and turn budget are sent as inputs.
type Workflow struct {
	BaseURL      string
	APIKey       string
	ResponseMode string
	PromptKey    string
	OutputKey    string
	User         string
	Client       *http.Client
}

func NewWorkflow(baseURL, apiKey, responseMode, promptKey, outputKey, user string, timeout time.Duration) *Workflow {
	if responseMode == "" {
		responseMode = "blocking"
	}
	if promptKey == "" {
		promptKey = "query"
	}
	if user == "" {
		user = "deepagent"
	}
	// zero timeout: the supervisor's budget is the only deadline
	return &Workflow{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		APIKey:       apiKey,
		ResponseMode: responseMode,
		PromptKey:    promptKey,
		OutputKey:    outputKey,
		User:         user,
		Client:       &http.Client{Timeout: timeout},
	}
}

func (w *Workflow) Name() string { return "workflow" }

type WorkflowRunRequest struct {
	Inputs       map[string]interface{} `json:"inputs"`
	ResponseMode string                 `json:"response_mode"`
	User         string                 `json:"user"`
}

type WorkflowRunResponse struct {
	TaskID string `json:"task_id"`
	Data   struct {
		ID         string                 `json:"id"`
		Outputs    map[string]interface{} `json:"outputs"`
		Status     string                 `json:"status"`
		Error      string                 `json:"error"`
		TotalSteps int                    `json:"total_steps"`
	} `json:"data"`
}

func (w *Workflow) Start(ctx context.Context, inv Invocation) (Process, error) {
	if w.BaseURL == "" {
		return nil, errors.New("workflow engine: base url not configured")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p := &workflowProcess{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(p.done)
		start := time.Now()
		res := w.run(runCtx, inv)
		res.Duration = time.Since(start)
		p.mu.Lock()
		p.res = res
		p.mu.Unlock()
	}()
	return p, nil
}

func (w *Workflow) run(ctx context.Context, inv Invocation) Result {
	inputs := map[string]interface{}{
		w.PromptKey:     inv.Prompt,
		"allowed_tools": strings.Join(inv.AllowedTools, ","),
		"max_turns":     inv.MaxTurns,
		"task_id":       inv.TaskID,
	}
	resp, err := w.WorkflowRun(ctx, inputs)
	if err != nil {
		return Result{Err: err, ExitCode: 1}
	}

	res := Result{Turns: resp.Data.TotalSteps}
	if resp.Data.Status != "" && resp.Data.Status != "succeeded" {
		res.ExitCode = 1
		res.Err = fmt.Errorf("workflow %s: %s", resp.Data.Status, resp.Data.Error)
		return res
	}

	res.Output = extractWorkflowAnswer(resp.Data.Outputs, w.OutputKey)
	if res.Output != "" {
		path := filepath.Join(inv.WorkDir, ResultFile)
		if err := os.WriteFile(path, []byte(res.Output), 0o644); err != nil {
			res.ExitCode = 1
			res.Err = fmt.Errorf("write %s: %w", ResultFile, err)
		}
	}
	return res
}

// WorkflowRun posts inputs and decodes a blocking-mode response.
func (w *Workflow) WorkflowRun(ctx context.Context, inputs map[string]interface{}) (*WorkflowRunResponse, error) {
	url := fmt.Sprintf("%s/workflows/run", w.BaseURL)

	reqBody := WorkflowRunRequest{
		Inputs:       inputs,
		ResponseMode: w.ResponseMode,
		User:         w.User,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if w.APIKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", w.APIKey))
	}

	resp, err := w.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		var errResp map[string]interface{}
		if json.Unmarshal(body, &errResp) == nil {
			if msg, ok := errResp["message"].(string); ok {
				return nil, fmt.Errorf("workflow api error: %d, %s", resp.StatusCode, msg)
			}
		}
		return nil, fmt.Errorf("workflow api error: %d, %s", resp.StatusCode, truncate(string(body), 500))
	}

	// streaming mode returns SSE, which is not parsed here; use blocking
	var runResp WorkflowRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&runResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &runResp, nil
}

func extractWorkflowAnswer(outputs map[string]interface{}, outputKey string) string {
	if outputs == nil {
		return ""
	}

	asString := func(v interface{}) string {
		if s, ok := v.(string); ok {
			return s
		}
		b, _ := json.Marshal(v)
		return string(b)
	}

	if outputKey != "" {
		if v, ok := outputs[outputKey]; ok {
			return asString(v)
		}
	}
	for _, k := range []string{"answer", "text", "output", "result"} {
		if v, ok := outputs[k]; ok {
			return asString(v)
		}
	}
	for _, v := range outputs {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return asString(outputs)
}

// workflowProcess has no OS process; stopping it cancels the request.
type workflowProcess struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	res Result
}

func (p *workflowProcess) Done() <-chan struct{} { return p.done }

func (p *workflowProcess) Result() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.res
}

func (p *workflowProcess) Interrupt() error {
	p.cancel()
	return nil
}

func (p *workflowProcess) Kill() error {
	p.cancel()
	return nil
}
