package apiclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout      = 15 * time.Second
	idleConnTimeout     = 90 * time.Second
	maxIdleConnsPerHost = 16

	// Outbound per-host pacing. Providers throttle aggressively; pacing here
	// is cheaper than eating 429s through the retry loop.
	perHostRate  = rate.Limit(5)
	perHostBurst = 10

	// maxBodyBytes caps how much of a response is read. Stream-info payloads
	// are small; anything bigger is an error page or an attack.
	maxBodyBytes = 4 << 20
)

// Request describes one outbound call. Exactly one of Body, Form, JSON may be
// set for POST-like methods.
type Request struct {
	Method  string
	URL     string
	Params  url.Values
	Headers map[string]string
	Body    []byte
	Form    url.Values
	JSON    any

	// MaxAttempts overrides the client policy for this call (0 = policy).
	MaxAttempts int
}

// Result is what a call produced. It is returned for every expected upstream
// failure class; Call only errors for malformed request construction.
type Result struct {
	StatusCode int
	Body       any    // decoded JSON value (map[string]any or []any), nil if ParseErr != nil
	ParseErr   error  // set when every decode stage failed on the final attempt
	Attempts   int    // how many attempts were made
	RawPreview string // bounded excerpt of the last payload, for diagnostics
}

// OK reports a decoded 2xx response.
func (r Result) OK() bool {
	return r.ParseErr == nil && r.Body != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Client performs outbound HTTP calls with UA rotation, bounded retries, and
// tolerant JSON decoding. It knows nothing about any provider's semantics.
type Client struct {
	hc     *http.Client
	policy Policy

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New returns a Client over hc (nil for a tuned default transport).
func New(hc *http.Client, policy Policy) *Client {
	if hc == nil {
		hc = &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: maxIdleConnsPerHost,
				IdleConnTimeout:     idleConnTimeout,
			},
		}
	}
	return &Client{
		hc:       hc,
		policy:   policy.withDefaults(),
		limiters: map[string]*rate.Limiter{},
	}
}

// Call runs the retry loop: each attempt gets a fresh user-agent, failures
// back off exponentially, and a successfully decoded body short-circuits the
// loop even when the status is non-2xx (callers want to see structured error
// bodies). The returned error is non-nil only for programmer errors and
// context cancellation; upstream failures always come back inside Result,
// but a caller that hung up must never be answered with an upstream verdict.
func (c *Client) Call(ctx context.Context, req Request) (Result, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	target, err := url.Parse(req.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return Result{}, fmt.Errorf("apiclient: bad url %q", req.URL)
	}
	if req.Params != nil {
		q := target.Query()
		for k, vs := range req.Params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		target.RawQuery = q.Encode()
	}
	body, contentType, err := encodeBody(req)
	if err != nil {
		return Result{}, err
	}

	attempts := req.MaxAttempts
	if attempts <= 0 {
		attempts = c.policy.MaxAttempts
	}
	uas := uaSequence()

	var res Result
	var lastRaw []byte
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		res.Attempts = attempt + 1
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(c.policy.Backoff(attempt - 1)):
			}
		}
		if err := c.limiter(target.Host).Wait(ctx); err != nil {
			return res, err
		}

		hreq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), bytes.NewReader(body))
		if err != nil {
			return Result{}, fmt.Errorf("apiclient: build request: %w", err)
		}
		hreq.Header.Set("User-Agent", uas[attempt%len(uas)])
		hreq.Header.Set("Accept", "application/json, text/plain, */*")
		hreq.Header.Set("Accept-Encoding", "gzip, br")
		if contentType != "" {
			hreq.Header.Set("Content-Type", contentType)
		}
		for k, v := range req.Headers {
			hreq.Header.Set(k, v)
		}
		for k, v := range ipForwardHeaders(ViewerIP(ctx)) {
			hreq.Header.Set(k, v)
		}

		resp, err := c.hc.Do(hreq)
		if err != nil {
			attemptsTotal.WithLabelValues("transport_error").Inc()
			lastErr = err
			continue
		}
		raw, err := readBody(resp)
		resp.Body.Close()
		res.StatusCode = resp.StatusCode
		if err != nil {
			attemptsTotal.WithLabelValues("transport_error").Inc()
			lastErr = err
			continue
		}
		lastRaw = raw

		if v, stage, err := DecodeLenient(raw); err == nil {
			decodeStageTotal.WithLabelValues(stage).Inc()
			attemptsTotal.WithLabelValues("ok").Inc()
			res.Body = v
			res.ParseErr = nil
			res.RawPreview = ""
			return res, nil
		} else {
			lastErr = err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			attemptsTotal.WithLabelValues("decode_error").Inc()
		} else {
			attemptsTotal.WithLabelValues("non_2xx").Inc()
		}
	}

	if ctx.Err() != nil {
		// The caller hung up; what the upstream did is beside the point.
		return res, ctx.Err()
	}
	callsExhaustedTotal.Inc()
	res.ParseErr = lastErr
	if res.ParseErr == nil {
		res.ParseErr = fmt.Errorf("all %d attempts failed", attempts)
	}
	res.RawPreview = Preview(lastRaw)
	return res, nil
}

// Fetch performs a single raw exchange (manifests, binary license payloads)
// with UA rotation and viewer-IP forwarding but no decode cascade and no
// retries. body may be nil.
func (c *Client) Fetch(ctx context.Context, method, rawURL string, headers map[string]string, body []byte) (int, []byte, error) {
	if method == "" {
		method = http.MethodGet
	}
	hreq, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("apiclient: build request: %w", err)
	}
	hreq.Header.Set("User-Agent", RandomUserAgent())
	hreq.Header.Set("Accept-Encoding", "gzip, br")
	for k, v := range headers {
		hreq.Header.Set(k, v)
	}
	for k, v := range ipForwardHeaders(ViewerIP(ctx)) {
		hreq.Header.Set(k, v)
	}
	resp, err := c.hc.Do(hreq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := readBody(resp)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, raw, nil
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(perHostRate, perHostBurst)
		c.limiters[host] = l
	}
	return l
}

func encodeBody(req Request) (body []byte, contentType string, err error) {
	set := 0
	if req.Body != nil {
		set++
		body = req.Body
	}
	if req.Form != nil {
		set++
		body = []byte(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}
	if req.JSON != nil {
		set++
		body, err = json.Marshal(req.JSON)
		if err != nil {
			return nil, "", fmt.Errorf("apiclient: marshal body: %w", err)
		}
		contentType = "application/json"
	}
	if set > 1 {
		return nil, "", fmt.Errorf("apiclient: more than one of Body/Form/JSON set")
	}
	return body, contentType, nil
}

// readBody reads the response, honoring the Content-Encoding we ask for.
// Setting Accept-Encoding by hand disables net/http's transparent gzip.
func readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "br":
		r = brotli.NewReader(resp.Body)
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(io.LimitReader(r, maxBodyBytes))
}
