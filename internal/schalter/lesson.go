package schalter

import (
	"fmt"
	"strings"
	"time"
)

// LessonID identifies a lesson on the booking site. It is the numeric path
// segment of https://<schalter>/tn/lessons/<id>.
type LessonID string

func ParseLessonID(s string) (LessonID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("You need to supply a non empty id")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("The lesson id must be a number")
		}
	}
	return LessonID(s), nil
}

func (id LessonID) String() string { return string(id) }

// lessonDocument is the envelope returned by /tn-api/api/Lessons/<id>.
type lessonDocument struct {
	Data Lesson `json:"data"`
}

// Lesson is the subset of the lesson detail payload the bot acts on.
// Unknown fields are ignored on purpose; the upstream schema grows often.
type Lesson struct {
	ID                int64  `json:"id"`
	EventID           int64  `json:"eventId"`
	Number            string `json:"number"`
	Title             string `json:"title"`
	SportID           int64  `json:"sportId"`
	SportName         string `json:"sportName"`
	SportURL          string `json:"sportUrl"`
	Status            int64  `json:"status"`
	EnrollmentEnabled bool   `json:"enrollmentEnabled"`
	EnrollmentFrom    string `json:"enrollmentFrom"`
	EnrollmentUntil   string `json:"enrollmentUntil"`
	CancelationUntil  string `json:"cancelationUntil"`
	Starts            string `json:"starts"`
	Ends              string `json:"ends"`
	ParticipantsMax   int64  `json:"participantsMax"`
	ParticipantCount  int64  `json:"participantCount"`

	Instructors []Instructor `json:"instructors"`
	Facilities  []Facility   `json:"facilities"`
	Rooms       []string     `json:"rooms"`
}

type Instructor struct {
	AsvzID int64  `json:"asvzId"`
	Name   string `json:"name"`
}

type Facility struct {
	FacilityID int64  `json:"facilityId"`
	NameShort  string `json:"nameShort"`
	Name       string `json:"name"`
	URL        string `json:"url"`
}

// FreeSpots is how many places are currently open. Can be zero, never negative.
func (l *Lesson) FreeSpots() int64 {
	n := l.ParticipantsMax - l.ParticipantCount
	if n < 0 {
		return 0
	}
	return n
}

// Upstream emits offsets both with and without a colon.
var lessonTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
}

func parseLessonTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range lessonTimeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("parse lesson time %q: %w", s, lastErr)
}

func (l *Lesson) EnrollFrom() (time.Time, error)  { return parseLessonTime(l.EnrollmentFrom) }
func (l *Lesson) EnrollUntil() (time.Time, error) { return parseLessonTime(l.EnrollmentUntil) }
func (l *Lesson) StartsAt() (time.Time, error)    { return parseLessonTime(l.Starts) }

// lessonError is the error envelope some endpoints return instead of data.
type lessonError struct {
	ErrorStatus string `json:"errorStatus"`
	Errors      []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (e *lessonError) message() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, x := range e.Errors {
		if x.Message != "" {
			msgs = append(msgs, x.Message)
		}
	}
	if len(msgs) == 0 {
		return e.ErrorStatus
	}
	return strings.Join(msgs, "; ")
}
