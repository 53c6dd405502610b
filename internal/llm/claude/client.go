// Package claude implements the incident generator roles (translate,
// evaluate, extract, propose) on the Anthropic Messages API.
package claude

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/lookout/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/lookout/internal/llm/claude")

const (
	defaultMaxTokens = 1024
	httpTimeout      = 120 * time.Second
)

// messageAPI is the subset of the SDK used here, so tests can fake it.
type messageAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// CallHook observes each API call. incident.Metrics.ObserveLLMCall fits.
type CallHook func(step string, inputTokens, outputTokens int, duration float64, err error)

// Client implements incident.Translator, Evaluator, Extractor and
// ActionProposer.
type Client struct {
	api       messageAPI
	model     string
	maxTokens int64
	hook      CallHook
}

var (
	_ incident.Translator     = (*Client)(nil)
	_ incident.Evaluator      = (*Client)(nil)
	_ incident.Extractor      = (*Client)(nil)
	_ incident.ActionProposer = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithCallHook sets the per-call observer.
func WithCallHook(h CallHook) Option {
	return func(c *Client) { c.hook = h }
}

// WithMaxTokens overrides the response token cap.
func WithMaxTokens(n int64) Option {
	return func(c *Client) { c.maxTokens = n }
}

// New creates a client for model using apiKey. SDK retries are capped at
// maxRetries; the workflow's own step timeout bounds each call.
func New(apiKey, model string, maxRetries int, opts ...Option) *Client {
	sdk := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(maxRetries),
		option.WithHTTPClient(&http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
	)
	return newClient(&sdk.Messages, model, opts...)
}

func newClient(api messageAPI, model string, opts ...Option) *Client {
	c := &Client{api: api, model: model, maxTokens: defaultMaxTokens}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Translate implements incident.Translator.
func (c *Client) Translate(ctx context.Context, req incident.TranslateRequest) (string, error) {
	out, err := c.complete(ctx, "translate", translateSystem, translateUser(req))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Evaluate implements incident.Evaluator.
func (c *Client) Evaluate(ctx context.Context, source, translation string) (map[string]any, error) {
	return c.object(ctx, "evaluate", evaluateSystem, evaluateUser(source, translation))
}

// ExtractIncident implements incident.Extractor.
func (c *Client) ExtractIncident(ctx context.Context, text string) (map[string]any, error) {
	return c.object(ctx, "extract", extractSystem(), extractUser(text))
}

// ProposeActions implements incident.ActionProposer.
func (c *Client) ProposeActions(ctx context.Context, plan incident.PlanResult) (map[string]any, error) {
	user, err := proposeUser(plan)
	if err != nil {
		return nil, fmt.Errorf("render plan: %w", err)
	}
	return c.object(ctx, "propose", proposeSystem, user)
}

// object runs a completion and parses the reply as a JSON object. Schema
// checks belong to the caller.
func (c *Client) object(ctx context.Context, step, system, user string) (map[string]any, error) {
	out, err := c.complete(ctx, step, system, user)
	if err != nil {
		return nil, err
	}
	obj, err := incident.ParseObject(out)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", step, err)
	}
	return obj, nil
}

func (c *Client) complete(ctx context.Context, step, system, user string) (string, error) {
	ctx, span := tracer.Start(ctx, "claude."+step, trace.WithAttributes(
		attribute.String("gen_ai.system", "anthropic"),
		attribute.String("gen_ai.request.model", c.model),
	))
	defer span.End()

	start := time.Now()
	msg, err := c.api.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   c.maxTokens,
		Temperature: anthropic.Float(0),
		System:      []anthropic.TextBlockParam{{Text: system}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(user))},
	})
	dur := time.Since(start).Seconds()

	if err != nil {
		c.observe(step, 0, 0, dur, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("claude %s: %w", step, err)
	}

	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	c.observe(step, in, out, dur, nil)
	span.SetAttributes(
		attribute.Int("gen_ai.usage.input_tokens", in),
		attribute.Int("gen_ai.usage.output_tokens", out),
		attribute.String("gen_ai.response.finish_reason", string(msg.StopReason)),
	)

	return textOf(msg), nil
}

func (c *Client) observe(step string, in, out int, dur float64, err error) {
	if c.hook != nil {
		c.hook(step, in, out, dur, err)
	}
}

// textOf concatenates the text blocks of a reply.
func textOf(msg *anthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}
