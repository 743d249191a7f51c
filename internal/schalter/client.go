// Package schalter talks to the ASVZ-style lesson booking service: lesson
// details, enrollment, the public event search, and the credential exchange
// that yields a bearer token.
package schalter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	logx "slotbot/pkg/logx"
)

type Config struct {
	// BaseURL of the booking service (lesson details, enrollment).
	BaseURL string
	// EventsBaseURL of the public site (event search, sport search).
	EventsBaseURL string
	// AuthBaseURL of the identity provider.
	AuthBaseURL string

	Timeout   time.Duration
	RetryMax  int
	UserAgent string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = "https://schalter.asvz.ch"
	}
	if strings.TrimSpace(c.EventsBaseURL) == "" {
		c.EventsBaseURL = "https://www.asvz.ch"
	}
	if strings.TrimSpace(c.AuthBaseURL) == "" {
		c.AuthBaseURL = "https://auth.asvz.ch"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	c.EventsBaseURL = strings.TrimRight(c.EventsBaseURL, "/")
	c.AuthBaseURL = strings.TrimRight(c.AuthBaseURL, "/")
	return c
}

// Client is one booking-service session. It carries its own cookie jar, so
// each job gets an isolated session: credentials of different operators
// never share cookies.
type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger

	sports *sportIndex
}

func New(cfg Config, log logx.Logger) *Client {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	jar, _ := cookiejar.New(nil)
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Jar:     jar,
			Transport: &retryTransport{
				next:    http.DefaultTransport,
				max:     cfg.RetryMax,
				backoff: 250 * time.Millisecond,
				agent:   cfg.UserAgent,
			},
		},
		log:    log,
		sports: &sportIndex{},
	}
}

// httpClient exposes the session's HTTP client to the auth flow, which must
// share the cookie jar.
func (c *Client) httpClient() *http.Client { return c.http }

// retryTransport retries transient failures: network errors, 5xx, and 408.
// Other client errors (422, 429, 401, ...) pass through untouched because
// callers classify them.
type retryTransport struct {
	next    http.RoundTripper
	max     int
	backoff time.Duration
	agent   string
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.agent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.agent)
	}

	var resp *http.Response
	var err error
	backoff := t.backoff
	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				return resp, berr
			}
			req.Body = body
		}
		resp, err = t.next.RoundTrip(req)
		if err == nil && !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if attempt >= t.max {
			return resp, err
		}
		// Requests with a non-replayable body cannot be retried.
		if req.Body != nil && req.GetBody == nil {
			return resp, err
		}
		if resp != nil {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
		}
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// Lesson fetches the lesson detail document.
func (c *Client) Lesson(ctx context.Context, id LessonID) (*Lesson, error) {
	url := fmt.Sprintf("%s/tn-api/api/Lessons/%s", c.cfg.BaseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var doc lessonDocument
	if err := json.Unmarshal(body, &doc); err == nil && doc.Data.ID != 0 {
		return &doc.Data, nil
	}
	var le lessonError
	if err := json.Unmarshal(body, &le); err == nil && (le.ErrorStatus != "" || len(le.Errors) > 0) {
		return nil, &APIError{Status: resp.StatusCode, Message: le.message()}
	}
	if resp.StatusCode/100 != 2 {
		return nil, &APIError{Status: resp.StatusCode}
	}
	c.log.Warn("undecodable lesson payload", logx.String("lesson", id.String()), logx.Int("bytes", len(body)))
	return nil, ErrUnexpectedFormat
}

// EnrollStatus classifies one enrollment attempt.
type EnrollStatus int

const (
	EnrollCreated EnrollStatus = iota
	EnrollCapacityFull
	EnrollRateLimited
	EnrollUnauthorized
	EnrollOther
)

type EnrollOutcome struct {
	Status EnrollStatus
	Code   int
}

// Enroll posts one enrollment attempt for the lesson using the bearer token.
// Non-2xx statuses the protocol reacts to (422, 429, 401) are outcomes, not
// errors; errors are reserved for transport failures.
func (c *Client) Enroll(ctx context.Context, id LessonID, token string) (EnrollOutcome, error) {
	url := fmt.Sprintf("%s/tn-api/api/Lessons/%s/Enrollment", c.cfg.BaseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte("null")))
	if err != nil {
		return EnrollOutcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return EnrollOutcome{}, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	out := EnrollOutcome{Code: resp.StatusCode}
	switch resp.StatusCode {
	case http.StatusCreated:
		out.Status = EnrollCreated
	case http.StatusUnprocessableEntity:
		out.Status = EnrollCapacityFull
	case http.StatusTooManyRequests:
		out.Status = EnrollRateLimited
	case http.StatusUnauthorized:
		out.Status = EnrollUnauthorized
	default:
		out.Status = EnrollOther
	}
	return out, nil
}
