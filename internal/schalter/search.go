package schalter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"time"

	logx "slotbot/pkg/logx"
)

var (
	lessonURLRe   = regexp.MustCompile(`/tn/lessons/([0-9]+)`)
	facilityURLRe = regexp.MustCompile(`/anlage/([0-9]+)-`)
)

// LessonIDFromURL extracts the lesson ID from a lesson page URL, or "" when
// the string contains none.
func LessonIDFromURL(s string) LessonID {
	m := lessonURLRe.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return LessonID(m[1])
}

// eventListDoc is the slice of the event-search payload we need.
type eventListDoc struct {
	Results []struct {
		URL string `json:"url"`
	} `json:"results"`
}

// NextWeek finds the lesson one week after the given one: same sport, same
// facility, start time shifted by seven days. Returns ErrNoLesson when the
// search comes back empty.
func (c *Client) NextWeek(ctx context.Context, id LessonID) (LessonID, error) {
	lesson, err := c.Lesson(ctx, id)
	if err != nil {
		return "", err
	}

	starts, err := lesson.StartsAt()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnexpectedFormat, err)
	}
	nextDate := starts.Add(7 * 24 * time.Hour)

	if len(lesson.Facilities) == 0 {
		return "", fmt.Errorf("lesson %s has no facility: %w", id, ErrUnexpectedFormat)
	}
	if len(lesson.Facilities) > 1 {
		c.log.Warn("lesson has multiple facilities; using the first",
			logx.String("lesson", id.String()), logx.Int("count", len(lesson.Facilities)))
	}
	fm := facilityURLRe.FindStringSubmatch(lesson.Facilities[0].URL)
	if fm == nil {
		return "", fmt.Errorf("facility url %q: %w", lesson.Facilities[0].URL, ErrUnexpectedFormat)
	}
	facilityID := fm[1]

	sportID, err := c.sports.lookup(ctx, c.http, c.cfg.EventsBaseURL, lesson.SportName)
	if err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("_format", "json")
	q.Set("limit", "1")
	q.Set("f[0]", "sport:"+sportID)
	q.Set("f[1]", "facility:"+facilityID)
	q.Set("date", nextDate.Format("2006-01-02 15:04"))
	searchURL := c.cfg.EventsBaseURL + "/asvz_api/event_search?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", &APIError{Status: resp.StatusCode, Message: "event search failed"}
	}
	var doc eventListDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("decode event search: %w", err)
	}
	if len(doc.Results) == 0 {
		return "", ErrNoLesson
	}
	if len(doc.Results) > 1 {
		c.log.Warn("event search returned multiple results; using the first",
			logx.String("lesson", id.String()), logx.Int("count", len(doc.Results)))
	}
	next := LessonIDFromURL(doc.Results[0].URL)
	if next == "" {
		return "", fmt.Errorf("result url %q: %w", doc.Results[0].URL, ErrUnexpectedFormat)
	}
	return next, nil
}
