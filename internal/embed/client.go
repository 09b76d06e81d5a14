package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	coreerrors "github.com/localsem/localsem/internal/errors"
)

// httpClient is the transport half of the ESC: a connection-pooled HTTP
// client against one model server. It never sets http.Client.Timeout
// (a static timeout would apply even to a request the caller already
// cancelled, or cut short one the caller is still willing to wait on);
// every round trip is bounded by the context passed to it instead.
type httpClient struct {
	baseURL string
	http    *http.Client
}

func newHTTPClient(baseURL string) *httpClient {
	return &httpClient{
		baseURL: baseURL,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        8,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// health performs GET /health and reports whether the server answered
// with status "ok".
func (c *httpClient) health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Status == "ok"
}

// embed performs one POST /embed round trip. Transport, status and decode
// failures wrap ErrServiceUnavailable (transport failure, 5xx), ErrTimeout
// (the context ended first), ErrOversizedBatch (the server's dedicated
// rejection) or ErrProtocolError (malformed response), so callers can
// switch on them without inspecting status codes. Failures to encode or
// build the request, or to read the response body, are returned as
// *errors.CoreError values that do not wrap these sentinels.
func (c *httpClient) embed(ctx context.Context, texts []string, normalize bool, pooling string) ([][]float32, error) {
	reqBody, err := json.Marshal(embedRequest{Texts: texts, Normalize: normalize, Pooling: pooling})
	if err != nil {
		return nil, coreerrors.ProtocolError("encode embed request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(reqBody))
	if err != nil {
		return nil, coreerrors.EmbeddingError("build embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, coreerrors.EmbeddingError("read embed response", err)
	}

	if resp.StatusCode == http.StatusRequestEntityTooLarge {
		return nil, fmt.Errorf("%w: server returned %d", ErrOversizedBatch, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		var errBody errorResponse
		_ = json.Unmarshal(body, &errBody)
		if isOversizedBatchMessage(errBody.Error) {
			return nil, fmt.Errorf("%w: %s", ErrOversizedBatch, errBody.Error)
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: server returned %d: %s", ErrServiceUnavailable, resp.StatusCode, errBody.Error)
		}
		return nil, fmt.Errorf("%w: server returned %d: %s", ErrProtocolError, resp.StatusCode, errBody.Error)
	}

	var parsed embedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolError, err)
	}
	if len(parsed.Vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrProtocolError, len(parsed.Vectors), len(texts))
	}
	return parsed.Vectors, nil
}

// isOversizedBatchMessage recognises the server's textual oversized-batch
// rejection when it arrives as a generic 4xx rather than 413, since the
// wire contract only mandates an {"error": string} body shape.
func isOversizedBatchMessage(msg string) bool {
	return bytes.Contains([]byte(msg), []byte("oversized")) || bytes.Contains([]byte(msg), []byte("too large")) || bytes.Contains([]byte(msg), []byte("too many"))
}

func (c *httpClient) closeIdleConnections() {
	c.http.CloseIdleConnections()
}
