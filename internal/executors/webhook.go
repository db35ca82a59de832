package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/rendis/conveyor/internal/sandbox"
	"github.com/rendis/conveyor/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultWebhookTimeout  = 30 * time.Second
)

// WebhookOption configures a WebhookExecutor.
type WebhookOption func(*WebhookExecutor)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(e *WebhookExecutor) { e.client = c }
}

// WithMaxResponseBody bounds how much of a response body is read.
func WithMaxResponseBody(n int64) WebhookOption {
	return func(e *WebhookExecutor) { e.maxBody = n }
}

// WithJQ shares a jq engine (and its compile cache) with other components.
func WithJQ(j *JQ) WebhookOption {
	return func(e *WebhookExecutor) { e.jq = j }
}

// WebhookExecutor issues outbound HTTP calls.
type WebhookExecutor struct {
	client  *http.Client
	jq      *JQ
	maxBody int64
}

// NewWebhookExecutor creates a WebhookExecutor. By default requests go through
// an OpenTelemetry-instrumented clone of the default transport.
func NewWebhookExecutor(opts ...WebhookOption) *WebhookExecutor {
	e := &WebhookExecutor{maxBody: defaultMaxResponseBody}
	for _, opt := range opts {
		opt(e)
	}
	if e.client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		e.client = &http.Client{Transport: otelhttp.NewTransport(transport)}
	}
	if e.jq == nil {
		e.jq = NewJQ()
	}
	return e
}

func (e *WebhookExecutor) Kind() schema.StepType { return schema.StepTypeWebhook }

func (e *WebhookExecutor) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	cfg, ok := req.Config.(*schema.WebhookConfig)
	if !ok {
		return nil, configMismatch(req, schema.StepTypeWebhook)
	}
	fail := func(err error) (*Outcome, error) {
		return Failed(asError(err, schema.ErrCodeExecution).WithStep(req.Key())), nil
	}

	rawURL, err := sandbox.Render(cfg.URL, req.Context)
	if err != nil {
		return fail(err)
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fail(schema.NewErrorf(schema.ErrCodeValidation, "invalid webhook url %q", rawURL))
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
		if cfg.Body != nil {
			method = http.MethodPost
		}
	}

	var body io.Reader
	if cfg.Body != nil {
		rendered, err := renderValue(cfg.Body, req.Context)
		if err != nil {
			return fail(err)
		}
		data, err := json.Marshal(rendered)
		if err != nil {
			return fail(schema.NewError(schema.ErrCodeExecution, "marshal webhook body").WithCause(err))
		}
		body = bytes.NewReader(data)
	}

	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return fail(schema.NewError(schema.ErrCodeExecution, "build webhook request").WithCause(err))
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		rendered, err := sandbox.Render(v, req.Context)
		if err != nil {
			return fail(err)
		}
		httpReq.Header.Set(k, rendered)
	}

	client, err := e.authorize(reqCtx, httpReq, cfg.Auth)
	if err != nil {
		return fail(err)
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case reqCtx.Err() == context.DeadlineExceeded:
			return fail(schema.NewErrorf(schema.ErrCodeTimeout, "webhook %s %s exceeded %s", method, u.Host, timeout).WithCause(err))
		}
		return fail(schema.NewErrorf(schema.ErrCodeExecution, "webhook request failed: %s", err.Error()).WithCause(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody))
	if err != nil {
		return fail(schema.NewError(schema.ErrCodeExecution, "read webhook response").WithCause(err))
	}

	output := map[string]any{
		"status":     float64(resp.StatusCode),
		"headers":    responseHeaders(resp.Header),
		"body":       parseBody(data),
		"durationMs": float64(time.Since(start).Milliseconds()),
	}

	if !statusAccepted(resp.StatusCode, cfg.ValidateStatus) {
		out := Failed(schema.NewErrorf(schema.ErrCodeExecution, "webhook returned status %d", resp.StatusCode).
			WithStep(req.Key()).
			WithDetails(map[string]any{"status": resp.StatusCode}))
		out.Output = output
		return out, nil
	}

	if len(cfg.Extract) > 0 {
		extracted := make(map[string]any, len(cfg.Extract))
		for _, name := range sortedKeys(cfg.Extract) {
			v, err := e.jq.Eval(ctx, cfg.Extract[name], output)
			if err != nil {
				return fail(err)
			}
			extracted[name] = v
		}
		output["extracted"] = extracted
	}
	return Completed(output), nil
}

// authorize applies credentials and returns the client to send with. OAuth2
// client credentials wrap the executor's client so tokens ride on the same
// instrumented transport.
func (e *WebhookExecutor) authorize(ctx context.Context, req *http.Request, auth *schema.WebhookAuth) (*http.Client, error) {
	if auth == nil {
		return e.client, nil
	}
	switch auth.Type {
	case "", "none":
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case "basic":
		req.SetBasicAuth(auth.Username, auth.Password)
	case "api_key":
		header := auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, auth.Key)
	case "oauth2":
		cc := clientcredentials.Config{
			ClientID:     auth.ClientID,
			ClientSecret: auth.ClientSecret,
			TokenURL:     auth.TokenURL,
			Scopes:       auth.Scopes,
		}
		return cc.Client(context.WithValue(ctx, oauth2.HTTPClient, e.client)), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown webhook auth type %q", auth.Type)
	}
	return e.client, nil
}

func statusAccepted(code int, allowed []int) bool {
	if len(allowed) == 0 {
		return code >= 200 && code < 300
	}
	for _, c := range allowed {
		if c == code {
			return true
		}
	}
	return false
}

func parseBody(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	var v any
	if json.Valid(data) && json.Unmarshal(data, &v) == nil {
		return v
	}
	return string(data)
}

func responseHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// renderValue resolves placeholders in every string leaf of v.
func renderValue(v any, root map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return sandbox.Render(val, root)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := renderValue(item, root)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := renderValue(item, root)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return v, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
