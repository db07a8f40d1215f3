package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/ollama/ism/guidance"
	"github.com/ollama/ism/tensor"
)

// StatusError is a non-2xx response from a runner.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e StatusError) Error() string {
	return fmt.Sprintf("runner: %d %s", e.StatusCode, e.Message)
}

// Client is a guidance.NoisePredictor backed by a remote runner.
type Client struct {
	base url.URL
	http *http.Client

	// Precision of the tensors sent and received, float32 when empty.
	Precision Precision
}

// NewClient accepts a bare host:port or a full base URL.
func NewClient(host string) *Client {
	base := url.URL{Scheme: "http", Host: host}
	if u, err := url.Parse(host); err == nil && u.Scheme != "" && u.Host != "" {
		base = *u
	}
	return &Client{base: base, http: http.DefaultClient}
}

func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) PredictNoise(ctx context.Context, req guidance.PredictRequest) (*tensor.Tensor, error) {
	bts, err := cbor.Marshal(fromRequest(req, c.Precision))
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/predict", bytes.NewReader(bts))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var out PredictResponse
	if err := cbor.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode prediction: %w", err)
	}
	return out.Noise.tensor()
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	request, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), body)
	if err != nil {
		return nil, err
	}

	request.Header.Set("Content-Type", contentType)
	request.Header.Set("Accept", contentType)
	request.Header.Set(requestIDHeader, uuid.NewString())

	resp, err := c.http.Do(request)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		var e ErrorResponse
		bts, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(bts, &e); err != nil || e.Error == "" {
			e.Error = string(bytes.TrimSpace(bts))
		}
		return nil, StatusError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	return resp, nil
}
