package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"stageflow/vars"
)

// HTTPDoer is the transport capability consumed by the fetch kind.
// *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

const defaultMaxBody = 1 << 20

// FetchExecutor retrieves external content over HTTP.
//
// Config: url (required), method (default GET), headers (map), body,
// format ("json" decodes the response body, anything else keeps text).
// Returns {status, body}.
type FetchExecutor struct {
	Client  HTTPDoer
	MaxBody int64 // response byte limit; 0 means 1 MiB
}

func (e *FetchExecutor) Execute(ctx context.Context, cfg map[string]any, _ vars.Env) (any, error) {
	if e.Client == nil {
		return nil, fmt.Errorf("%w: fetch has no HTTP client", ErrConfiguration)
	}
	url, err := requireString(cfg, "url", KindFetch)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringValue(cfg, "method"))
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if body := stringValue(cfg, "body"); body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	for k, v := range mapValue(cfg, "headers") {
		if s, ok := v.(string); ok {
			req.Header.Set(k, s)
		}
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	maxBody := e.MaxBody
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrFetch, err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: HTTP %d for %s", ErrFetch, resp.StatusCode, url)
	}

	result := map[string]any{"status": resp.StatusCode}
	if stringValue(cfg, "format") == "json" {
		var parsed any
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("%w: decode json from %s: %v", ErrFetch, url, err)
		}
		result["body"] = parsed
	} else {
		result["body"] = string(data)
	}
	return result, nil
}
