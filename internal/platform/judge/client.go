// Package judge talks to a Judge0-compatible code execution service.
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tle_arena/internal/common"
	"tle_arena/internal/domain/model"
	"tle_arena/internal/platform/config"
	"tle_arena/internal/platform/logger"
)

// Judge0 status ids.
const (
	statusInQueue           = 1
	statusProcessing        = 2
	statusAccepted          = 3
	statusWrongAnswer       = 4
	statusTimeLimitExceeded = 5
	statusCompilationError  = 6
	statusRuntimeFirst      = 7 // 7..12 are runtime errors (SIGSEGV, SIGFPE, NZEC...)
	statusRuntimeLast       = 12
	statusInternalError     = 13
)

var ErrUnexpectedResponse = errors.New("unexpected judge response")

type Request struct {
	SourceCode     string
	LanguageID     int
	Stdin          string
	ExpectedOutput string
	TimeLimitMs    int
	MemoryLimitKb  int
}

type Result struct {
	Status   model.SubmissionStatus
	Stdout   *string
	Stderr   *string
	TimeMs   *int
	MemoryKb *int
}

type Client struct {
	baseURL      string
	authToken    string
	http         *http.Client
	pollInterval time.Duration
	maxPolls     int
	log          *zap.SugaredLogger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithPollBudget(interval time.Duration, maxPolls int) Option {
	return func(c *Client) {
		c.pollInterval = interval
		c.maxPolls = maxPolls
	}
}

func NewClient(baseURL, authToken string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		authToken:    authToken,
		http:         &http.Client{Timeout: 10 * time.Second},
		pollInterval: 500 * time.Millisecond,
		maxPolls:     20,
		log:          logger.NewNamedLogger("judge"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientFromConfig builds a client from AppConfig.
func NewClientFromConfig() *Client {
	cfg := config.AppConfig
	return NewClient(cfg.JudgeBaseURL, cfg.JudgeAuthToken,
		WithHTTPClient(&http.Client{Timeout: cfg.JudgeRequestTimeout}),
		WithPollBudget(cfg.JudgePollInterval, cfg.JudgeMaxPolls),
	)
}

type submitBody struct {
	SourceCode     string  `json:"source_code"`
	LanguageID     int     `json:"language_id"`
	Stdin          string  `json:"stdin"`
	ExpectedOutput string  `json:"expected_output"`
	CPUTimeLimit   float64 `json:"cpu_time_limit,omitempty"`
	MemoryLimit    int     `json:"memory_limit,omitempty"`
}

type submitResponse struct {
	Token string `json:"token"`
}

type pollResponse struct {
	Stdout        *string `json:"stdout"`
	Stderr        *string `json:"stderr"`
	CompileOutput *string `json:"compile_output"`
	Time          *string `json:"time"`
	Memory        *int    `json:"memory"`
	Status        struct {
		ID          int    `json:"id"`
		Description string `json:"description"`
	} `json:"status"`
}

// Submit queues one test-case run and returns the judge token.
func (c *Client) Submit(ctx context.Context, req Request) (string, error) {
	body := submitBody{
		SourceCode:     req.SourceCode,
		LanguageID:     req.LanguageID,
		Stdin:          req.Stdin,
		ExpectedOutput: req.ExpectedOutput,
		MemoryLimit:    req.MemoryLimitKb,
	}
	if req.TimeLimitMs > 0 {
		body.CPUTimeLimit = float64(req.TimeLimitMs) / 1000
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("judge.Submit marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/submissions?base64_encoded=false&wait=false", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("judge.Submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var out submitResponse
	if err := c.do(httpReq, &out); err != nil {
		return "", fmt.Errorf("judge.Submit: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("judge.Submit empty token: %w", ErrUnexpectedResponse)
	}
	return out.Token, nil
}

// Poll fetches the state of a run. done is false while the judge is still working.
func (c *Client) Poll(ctx context.Context, token string) (res *Result, done bool, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/submissions/"+token+"?base64_encoded=false&fields=stdout,stderr,compile_output,time,memory,status", nil)
	if err != nil {
		return nil, false, fmt.Errorf("judge.Poll request: %w", err)
	}

	var out pollResponse
	if err := c.do(httpReq, &out); err != nil {
		return nil, false, fmt.Errorf("judge.Poll %s: %w", token, err)
	}
	if out.Status.ID == statusInQueue || out.Status.ID == statusProcessing {
		return nil, false, nil
	}

	res = &Result{
		Status:   mapStatus(out.Status.ID),
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		MemoryKb: out.Memory,
	}
	if res.Status == model.StatusCompilationError && out.CompileOutput != nil {
		res.Stderr = out.CompileOutput
	}
	if out.Time != nil {
		if secs, err := strconv.ParseFloat(*out.Time, 64); err == nil {
			ms := int(secs * 1000)
			res.TimeMs = &ms
		}
	}
	return res, true, nil
}

// Run submits a test case and polls until the judge finishes or the poll
// budget runs out, in which case common.ErrGradingTimeout is returned.
func (c *Client) Run(ctx context.Context, req Request) (*Result, error) {
	token, err := c.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()

	for attempt := 1; attempt <= c.maxPolls; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("judge run %s: %w", token, ctx.Err())
		case <-timer.C:
		}

		res, done, err := c.Poll(ctx, token)
		if err != nil {
			c.log.Warnw("poll failed", "token", token, "attempt", attempt, "error", err)
		} else if done {
			return res, nil
		}
		timer.Reset(c.pollInterval)
	}

	return nil, fmt.Errorf("judge run %s exceeded %d polls: %w", token, c.maxPolls, common.ErrGradingTimeout)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.authToken != "" {
		req.Header.Set("X-Auth-Token", c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s: %w", resp.StatusCode, strings.TrimSpace(string(b)), ErrUnexpectedResponse)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func mapStatus(id int) model.SubmissionStatus {
	switch {
	case id == statusAccepted:
		return model.StatusAccepted
	case id == statusWrongAnswer:
		return model.StatusWrongAnswer
	case id == statusTimeLimitExceeded:
		return model.StatusTimeLimitExceeded
	case id == statusCompilationError:
		return model.StatusCompilationError
	case id >= statusRuntimeFirst && id <= statusRuntimeLast:
		return model.StatusRuntimeError
	default:
		return model.StatusSystemError
	}
}
