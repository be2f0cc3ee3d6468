package detection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/surveillance-pipeline/internal/models"
)

// Fallback descriptions.
const (
	ReasonMissingInput   = "frame or prompt missing, assessment skipped"
	ReasonRequestFailed  = "AI request failed"
	ReasonParseFailed    = "AI response parsing failed"
	ReasonMissingFields  = "AI response missing required fields"
	ReasonInvalidVerdict = "AI response has invalid severity"
)

const instructionTemplate = `You are supposed to detect anomalies following these instructions.
User Instructions:
%s

Carefully analyze the provided frame.

Respond STRICTLY in JSON format with exactly these fields:

{
"anomalyDetected": true or false,
"description": "Short explanation of what is happening in the image",
"severity": "low | medium | high"
}`

type Config struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// Stats counts outcomes so fallbacks stay visible in aggregate.
type Stats struct {
	Requests        uint64
	Succeeded       uint64
	Skipped         uint64
	RequestFailures uint64
	ParseFailures   uint64
	ShapeFailures   uint64
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	http   *resty.Client
	model  string
	logger *zap.Logger

	requests        atomic.Uint64
	succeeded       atomic.Uint64
	skipped         atomic.Uint64
	requestFailures atomic.Uint64
	parseFailures   atomic.Uint64
	shapeFailures   atomic.Uint64
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.Endpoint, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		httpClient.SetAuthToken(cfg.APIKey)
	}

	return &Client{
		http:   httpClient,
		model:  cfg.Model,
		logger: logger,
	}
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// assessmentPayload uses pointers so absent fields can be told apart from zero values.
type assessmentPayload struct {
	AnomalyDetected *bool   `json:"anomalyDetected"`
	Description     *string `json:"description"`
	Severity        *string `json:"severity"`
}

// Assess never fails: any problem yields models.SafeDefault with the reason
// as description, and the cause goes to the log.
func (c *Client) Assess(ctx context.Context, frame []byte, prompt string) (result models.AssessmentResult) {
	defer func() {
		if r := recover(); r != nil {
			c.requestFailures.Add(1)
			c.logger.Error("assessment panicked", zap.Any("panic", r))
			result = models.SafeDefault(ReasonRequestFailed)
		}
	}()

	if len(frame) == 0 || strings.TrimSpace(prompt) == "" {
		c.skipped.Add(1)
		c.logger.Warn("assessment skipped",
			zap.Int("frame_bytes", len(frame)),
			zap.Bool("prompt_empty", strings.TrimSpace(prompt) == ""))
		return models.SafeDefault(ReasonMissingInput)
	}

	c.requests.Add(1)

	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: fmt.Sprintf(instructionTemplate, prompt)},
				{Type: "image_url", ImageURL: &imageURL{
					URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(frame),
				}},
			},
		}},
		ResponseFormat: responseFormat{Type: "json_object"},
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post("/chat/completions")
	if err != nil {
		c.requestFailures.Add(1)
		c.logger.Error("inference request failed", zap.Error(err))
		return models.SafeDefault(ReasonRequestFailed)
	}
	if resp.IsError() {
		c.requestFailures.Add(1)
		c.logger.Error("inference service returned error",
			zap.Int("status_code", resp.StatusCode()),
			zap.ByteString("body", truncate(resp.Body(), 2048)))
		return models.SafeDefault(ReasonRequestFailed)
	}

	var completion chatResponse
	if err := json.Unmarshal(resp.Body(), &completion); err != nil || len(completion.Choices) == 0 {
		c.parseFailures.Add(1)
		c.logger.Warn("inference envelope unparseable",
			zap.Error(err),
			zap.ByteString("raw", truncate(resp.Body(), 2048)))
		return models.SafeDefault(ReasonParseFailed)
	}

	return c.parseAssessment(completion.Choices[0].Message.Content)
}

func (c *Client) parseAssessment(content string) models.AssessmentResult {
	var payload assessmentPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &payload); err != nil {
		c.parseFailures.Add(1)
		c.logger.Warn("assessment payload unparseable", zap.Error(err), zap.String("raw", content))
		return models.SafeDefault(ReasonParseFailed)
	}

	if payload.AnomalyDetected == nil || payload.Description == nil || payload.Severity == nil {
		c.shapeFailures.Add(1)
		c.logger.Warn("assessment payload incomplete", zap.String("raw", content))
		return models.SafeDefault(ReasonMissingFields)
	}

	severity := models.Severity(strings.ToLower(strings.TrimSpace(*payload.Severity)))
	if !severity.Valid() {
		c.shapeFailures.Add(1)
		c.logger.Warn("assessment severity invalid", zap.String("raw", content))
		return models.SafeDefault(ReasonInvalidVerdict)
	}

	c.succeeded.Add(1)
	return models.AssessmentResult{
		AnomalyDetected: *payload.AnomalyDetected,
		Description:     *payload.Description,
		Severity:        severity,
	}
}

// Stats returns a snapshot of the outcome counters.
func (c *Client) Stats() Stats {
	return Stats{
		Requests:        c.requests.Load(),
		Succeeded:       c.succeeded.Load(),
		Skipped:         c.skipped.Load(),
		RequestFailures: c.requestFailures.Load(),
		ParseFailures:   c.parseFailures.Load(),
		ShapeFailures:   c.shapeFailures.Load(),
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
