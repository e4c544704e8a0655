package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/noetl/noetl/toolerr"
)

// HTTPExecutor runs "http" tool calls. Parameters:
//
//	method    HTTP method, default GET
//	url       request URL (required)
//	headers   map of header values
//	params    map of query parameters
//	body      JSON request body
//	timeout   Go duration string, default 30s
//
// A resolved credential's "token" field is sent as a bearer token unless the
// step's headers already set Authorization.
type HTTPExecutor struct {
	client *resty.Client
}

const defaultHTTPTimeout = 30 * time.Second

// NewHTTPExecutor returns the executor. A nil client uses a default resty
// client.
func NewHTTPExecutor(client *resty.Client) *HTTPExecutor {
	if client == nil {
		client = resty.New()
	}
	return &HTTPExecutor{client: client}
}

// Execute implements Executor.
func (h *HTTPExecutor) Execute(ctx context.Context, inv *Invocation) (any, *toolerr.ToolError) {
	url, _ := inv.Params["url"].(string)
	if url == "" {
		return nil, toolerr.New(toolerr.KindSchema, "http tool requires a url")
	}
	method, _ := inv.Params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	timeout := defaultHTTPTimeout
	if raw, ok := inv.Params["timeout"].(string); ok {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			timeout = d
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := h.client.R().SetContext(ctx)
	for k, v := range stringMap(inv.Params["headers"]) {
		req.SetHeader(k, v)
	}
	for k, v := range stringMap(inv.Params["params"]) {
		req.SetQueryParam(k, v)
	}
	if inv.Credential != nil && req.Header.Get("Authorization") == "" {
		if token, ok := inv.Credential.Data["token"].(string); ok && token != "" {
			req.SetAuthToken(token)
		}
	}
	if body, ok := inv.Params["body"]; ok && body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, url)
	if err != nil {
		return nil, toolerr.FromError(err)
	}

	var data any
	if raw := resp.Body(); len(raw) > 0 {
		if jsonErr := json.Unmarshal(raw, &data); jsonErr != nil {
			data = string(raw)
		}
	}
	if resp.StatusCode() >= 400 {
		terr := toolerr.FromHTTPStatus(resp.StatusCode(), fmt.Sprintf("%s %s", method, url))
		if s, ok := data.(string); ok && s != "" {
			terr.Message = terr.Message + ": " + truncate(s, 256)
		}
		return nil, terr
	}

	headers := make(map[string]string, len(resp.Header()))
	for k := range resp.Header() {
		headers[k] = resp.Header().Get(k)
	}
	return map[string]any{
		"status_code": resp.StatusCode(),
		"headers":     headers,
		"data":        data,
		"elapsed_ms":  resp.Time().Milliseconds(),
	}, nil
}

func stringMap(v any) map[string]string {
	out := map[string]string{}
	m, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for k, val := range m {
		switch s := val.(type) {
		case string:
			out[k] = s
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
