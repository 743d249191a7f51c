package schalter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	logx "slotbot/pkg/logx"
)

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	return New(Config{
		BaseURL:       srv.URL,
		EventsBaseURL: srv.URL,
		AuthBaseURL:   srv.URL,
		Timeout:       5 * time.Second,
		RetryMax:      2,
	}, logx.Nop())
}

func TestLessonFetch(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tn-api/api/Lessons/100":
			fmt.Fprint(w, `{"data":{"id":100,"participantsMax":20,"participantCount":5}}`)
		case "/tn-api/api/Lessons/404":
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"errorStatus":"404","errors":[{"message":"lesson not found"}]}`)
		default:
			fmt.Fprint(w, `<html>not json</html>`)
		}
	}))
	defer srv.Close()
	c := testClient(t, srv)
	ctx := context.Background()

	l, err := c.Lesson(ctx, "100")
	if err != nil {
		t.Fatalf("Lesson: %v", err)
	}
	if l.ID != 100 || l.FreeSpots() != 15 {
		t.Fatalf("unexpected lesson: %+v", l)
	}

	_, err = c.Lesson(ctx, "404")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Message != "lesson not found" {
		t.Fatalf("unexpected APIError: %+v", apiErr)
	}

	if _, err := c.Lesson(ctx, "999"); !errors.Is(err, ErrUnexpectedFormat) {
		t.Fatalf("expected ErrUnexpectedFormat, got %v", err)
	}
}

func TestEnrollStatusMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code int
		want EnrollStatus
	}{
		{http.StatusCreated, EnrollCreated},
		{http.StatusUnprocessableEntity, EnrollCapacityFull},
		{http.StatusTooManyRequests, EnrollRateLimited},
		{http.StatusUnauthorized, EnrollUnauthorized},
		{http.StatusTeapot, EnrollOther},
	}

	var wantCode atomic.Int64
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "null" {
			t.Errorf("body = %q, want null", body)
		}
		gotAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(int(wantCode.Load()))
	}))
	defer srv.Close()
	c := testClient(t, srv)

	for _, tt := range tests {
		wantCode.Store(int64(tt.code))
		out, err := c.Enroll(context.Background(), "100", "tok-abc")
		if err != nil {
			t.Fatalf("Enroll(%d): %v", tt.code, err)
		}
		if out.Status != tt.want || out.Code != tt.code {
			t.Fatalf("Enroll(%d) = %+v, want status %v", tt.code, out, tt.want)
		}
	}
	if got := gotAuth.Load().(string); got != "Bearer tok-abc" {
		t.Fatalf("Authorization = %q", got)
	}
}

func TestRetryTransportRetriesServerErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"data":{"id":100,"participantsMax":1,"participantCount":0}}`)
	}))
	defer srv.Close()
	c := testClient(t, srv)

	l, err := c.Lesson(context.Background(), "100")
	if err != nil {
		t.Fatalf("Lesson after retries: %v", err)
	}
	if l.ID != 100 {
		t.Fatalf("unexpected lesson: %+v", l)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestRetryTransportGivesUp(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	c := testClient(t, srv)

	_, err := c.Lesson(context.Background(), "100")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadGateway {
		t.Fatalf("expected 502 APIError, got %v", err)
	}
	// RetryMax 2 means one initial attempt plus two retries.
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestRetryTransportDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()
	c := testClient(t, srv)

	out, err := c.Enroll(context.Background(), "100", "tok")
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if out.Status != EnrollCapacityFull {
		t.Fatalf("status = %v", out.Status)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestClientUserAgent(t *testing.T) {
	t.Parallel()
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("User-Agent"))
		fmt.Fprint(w, `{"data":{"id":1}}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, UserAgent: "slotbot/1.0"}, logx.Nop())
	if _, err := c.Lesson(context.Background(), "1"); err != nil {
		t.Fatalf("Lesson: %v", err)
	}
	if ua := got.Load().(string); ua != "slotbot/1.0" {
		t.Fatalf("User-Agent = %q", ua)
	}
}
