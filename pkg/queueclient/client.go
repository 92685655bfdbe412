package queueclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Client talks to the queue coordinator over HTTP. Requests rejected with
// BUSY are retried with jittered backoff; every other answer is returned as is.
type Client struct {
	baseURL string
	http    *http.Client

	mu  sync.Mutex
	rng *rand.Rand

	BusyRetries int
	MinRetry    time.Duration
	MaxRetry    time.Duration
}

func New(baseURL string, hc *http.Client) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:     baseURL,
		http:        hc,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		BusyRetries: 3,
		MinRetry:    50 * time.Millisecond,
		MaxRetry:    time.Second,
	}
}

type pairReq struct {
	EmployeeID string `json:"employeeId"`
	ProductID  string `json:"productId"`
}

type cancelReq struct {
	JobID      string `json:"jobId"`
	EmployeeID string `json:"employeeId"`
}

type errBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (c *Client) CheckActiveOrder(ctx context.Context, employeeID, productID string) (CheckResult, error) {
	var out CheckResult
	err := c.call(ctx, http.MethodPost, "/queue/check", pairReq{EmployeeID: employeeID, ProductID: productID}, &out)
	return out, err
}

func (c *Client) Join(ctx context.Context, employeeID, productID string) (JoinResult, error) {
	var out JoinResult
	err := c.call(ctx, http.MethodPost, "/queue/init", pairReq{EmployeeID: employeeID, ProductID: productID}, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context, jobID string) (JobStatus, error) {
	if jobID == "" {
		return JobStatus{}, fmt.Errorf("jobID required")
	}
	var out JobStatus
	err := c.call(ctx, http.MethodGet, "/queue/status/"+url.PathEscape(jobID), nil, &out)
	return out, err
}

func (c *Client) Cancel(ctx context.Context, jobID, employeeID string) (CancelResult, error) {
	var out CancelResult
	err := c.call(ctx, http.MethodPost, "/queue/cancel", cancelReq{JobID: jobID, EmployeeID: employeeID}, &out)
	return out, err
}

// CurrentSale fetches the sale window. An empty productID asks the server
// for the current event.
func (c *Client) CurrentSale(ctx context.Context, productID string) (CurrentSale, error) {
	path := "/sale/current"
	if productID != "" {
		path += "?productId=" + url.QueryEscape(productID)
	}
	var out CurrentSale
	err := c.call(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) UpsertProduct(ctx context.Context, productID string, spec ProductSpec) (Product, error) {
	if productID == "" {
		return Product{}, fmt.Errorf("productID required")
	}
	var out Product
	err := c.call(ctx, http.MethodPut, "/admin/products/"+url.PathEscape(productID), spec, &out)
	return out, err
}

func (c *Client) CompleteOrder(ctx context.Context, orderID string) (OrderResult, error) {
	var out OrderResult
	err := c.call(ctx, http.MethodPost, "/orders/"+url.PathEscape(orderID)+"/complete", nil, &out)
	return out, err
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) (OrderResult, error) {
	var out OrderResult
	err := c.call(ctx, http.MethodPost, "/orders/"+url.PathEscape(orderID)+"/cancel", nil, &out)
	return out, err
}

// call runs one request, retrying BUSY rejections.
func (c *Client) call(ctx context.Context, method, path string, req, resp any) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = c.once(ctx, method, path, req, resp)
		if !IsRejected(err, CodeBusy) || attempt >= c.BusyRetries {
			return err
		}

		sleep := time.Duration(float64(c.MinRetry) * math.Pow(2, float64(attempt)))
		if sleep > c.MaxRetry {
			sleep = c.MaxRetry
		}
		sleep = c.jitter(sleep, 0.2)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) once(ctx context.Context, method, path string, req, resp any) error {
	code, raw, err := c.doJSON(ctx, method, c.baseURL+path, req, resp)
	if err != nil {
		return err
	}
	if code == http.StatusOK {
		return nil
	}

	var eb errBody
	if json.Unmarshal([]byte(raw), &eb) == nil && eb.Code != "" {
		return &RejectedError{Status: code, Code: eb.Code, Message: eb.Message}
	}
	return &UnexpectedStatusError{Method: method, Path: path, Code: code, Body: raw}
}

// doJSON sends JSON and decodes a 200 response into resp.
// Returns status code and raw body (trimmed) for debugging.
func (c *Client) doJSON(ctx context.Context, method, url string, req any, resp any) (int, string, error) {
	var body io.Reader
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return 0, "", err
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, "", err
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	rsp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, "", err
	}
	defer rsp.Body.Close()

	b, _ := io.ReadAll(io.LimitReader(rsp.Body, 1<<20))
	raw := strings.TrimSpace(string(b))

	if rsp.StatusCode == http.StatusOK && resp != nil && len(b) > 0 {
		if err := json.Unmarshal(b, resp); err != nil {
			return rsp.StatusCode, raw, fmt.Errorf("decode %s: %w", url, err)
		}
	}
	return rsp.StatusCode, raw, nil
}

func (c *Client) jitter(d time.Duration, frac float64) time.Duration {
	c.mu.Lock()
	j := (c.rng.Float64()*2 - 1) * frac
	c.mu.Unlock()
	out := time.Duration(float64(d) * (1 + j))
	if out < 0 {
		return 0
	}
	return out
}
