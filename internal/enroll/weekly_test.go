package enroll

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"slotbot/internal/schalter"
	logx "slotbot/pkg/logx"
)

// weeklyServer serves two lessons in consecutive weeks; the search finds
// lesson 200 after 100 and nothing after 200.
func weeklyServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	lesson := func(id string, starts time.Time) string {
		return fmt.Sprintf(`{"data":{
			"id": %s,
			"sportName": "Cycling Class",
			"participantsMax": 10,
			"participantCount": 8,
			"enrollmentFrom": %q,
			"enrollmentUntil": %q,
			"starts": %q,
			"facilities": [{"url": "https://www.asvz.ch/anlage/45613-x"}]
		}}`, id,
			starts.Add(-time.Hour).Format(time.RFC3339),
			starts.Format(time.RFC3339),
			starts.Format(time.RFC3339))
	}
	now := time.Now()
	mux.HandleFunc("/tn-api/api/Lessons/100", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, lesson("100", now.Add(time.Minute)))
	})
	mux.HandleFunc("/tn-api/api/Lessons/200", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, lesson("200", now.Add(7*24*time.Hour)))
	})
	mux.HandleFunc("/asvz_api/sport_search", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[{"nid": 122920, "title": "Cycling Class"}]}`)
	})
	mux.HandleFunc("/asvz_api/event_search", func(w http.ResponseWriter, r *http.Request) {
		// The search after lesson 100 lands on lesson 200's start week;
		// the one after lesson 200 finds nothing.
		wantNext := now.Add(time.Minute).Add(7 * 24 * time.Hour).Format("2006-01-02")
		if len(r.URL.Query().Get("date")) >= 10 && r.URL.Query().Get("date")[:10] == wantNext {
			fmt.Fprint(w, `{"results":[{"url": "/tn/lessons/200"}]}`)
			return
		}
		fmt.Fprint(w, `{"results":[]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestWatchWeeklyChain(t *testing.T) {
	t.Parallel()
	srv := weeklyServer(t)
	factory := func() Session {
		c := schalter.New(schalter.Config{BaseURL: srv.URL, EventsBaseURL: srv.URL}, logx.Nop())
		return Session{Client: c, Auth: staticAuth("tok")}
	}
	r := NewRunner(factory, fastTuning, logx.Nop())
	rec := &replyRecorder{}

	out, err := r.WatchWeekly(context.Background(), "100", rec.fn)
	if err != nil {
		t.Fatalf("WatchWeekly: %v", err)
	}
	if out.Kind != Failed || out.Message != "Unable to find next lesson" {
		t.Fatalf("outcome = %+v", out)
	}

	msgs := rec.all()
	var successes, found int
	for _, m := range msgs {
		if m == "There are currently 2 free spots." {
			successes++
		}
		if m == "Found next week's lesson: 200" {
			found++
		}
	}
	if successes != 2 {
		t.Fatalf("inner successes = %d, want 2 (messages: %v)", successes, msgs)
	}
	if found != 1 {
		t.Fatalf("chain advance messages = %d, want 1 (messages: %v)", found, msgs)
	}
}

func TestWatchWeeklyStopsOnAbort(t *testing.T) {
	t.Parallel()
	var searched atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/asvz_api/", func(w http.ResponseWriter, r *http.Request) {
		searched.Store(true)
		fmt.Fprint(w, `{"results":[]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	factory := func() Session {
		c := schalter.New(schalter.Config{BaseURL: srv.URL, EventsBaseURL: srv.URL}, logx.Nop())
		return Session{Client: c, Auth: staticAuth("tok")}
	}
	r := NewRunner(factory, fastTuning, logx.Nop())

	out, err := r.chainWeekly(context.Background(), r.session(), "100", (&replyRecorder{}).fn,
		func(context.Context, schalter.LessonID) (Outcome, error) {
			return Outcome{Kind: Aborted, Message: "Unable to log in: gone"}, nil
		})
	if err != nil {
		t.Fatalf("chainWeekly: %v", err)
	}
	if out.Kind != Aborted {
		t.Fatalf("outcome = %+v", out)
	}
	if searched.Load() {
		t.Fatal("chain searched for the next lesson after an abort")
	}
}
