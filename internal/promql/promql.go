// Package promql is a minimal Prometheus instant-query client used by the
// check engine and the agent worker.
package promql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/common/model"
)

const queryTimeout = 10 * time.Second

// ErrEmptyResult indicates the query succeeded but returned no samples.
var ErrEmptyResult = errors.New("empty result vector")

// Client queries one Prometheus endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the given Prometheus base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: queryTimeout},
	}
}

type apiResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Data   struct {
		ResultType string          `json:"resultType"`
		Result     json.RawMessage `json:"result"`
	} `json:"data"`
}

// Query runs an instant query at the current time and returns the result
// vector. A scalar result is wrapped into a single-sample vector.
func (c *Client) Query(ctx context.Context, expr string) (model.Vector, error) {
	q := url.Values{}
	q.Set("query", expr)
	q.Set("time", strconv.FormatInt(time.Now().Unix(), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v1/query?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prometheus query: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("prometheus response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prometheus returned %d", resp.StatusCode)
	}

	var ar apiResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return nil, fmt.Errorf("decode prometheus response: %w", err)
	}
	if ar.Status != "success" {
		return nil, fmt.Errorf("prometheus error: %s", ar.Error)
	}

	switch ar.Data.ResultType {
	case model.ValVector.String():
		var vec model.Vector
		if err := json.Unmarshal(ar.Data.Result, &vec); err != nil {
			return nil, fmt.Errorf("decode vector: %w", err)
		}
		return vec, nil
	case model.ValScalar.String():
		var sc model.Scalar
		if err := json.Unmarshal(ar.Data.Result, &sc); err != nil {
			return nil, fmt.Errorf("decode scalar: %w", err)
		}
		return model.Vector{{Value: sc.Value, Timestamp: sc.Timestamp}}, nil
	default:
		return nil, fmt.Errorf("unsupported result type %q", ar.Data.ResultType)
	}
}

// QueryValue runs an instant query and returns the first sample's value.
// Returns ErrEmptyResult when the vector is empty.
func (c *Client) QueryValue(ctx context.Context, expr string) (float64, error) {
	vec, err := c.Query(ctx, expr)
	if err != nil {
		return 0, err
	}
	if len(vec) == 0 {
		return 0, ErrEmptyResult
	}
	return float64(vec[0].Value), nil
}
