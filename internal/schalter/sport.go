package schalter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
)

// sportIndex caches the sport-name -> sport-id mapping from the public
// sport search. The mapping changes rarely; one fetch per session is enough.
type sportIndex struct {
	mu   sync.Mutex
	byID map[string]string
}

type sportSearchDoc struct {
	Results []struct {
		NID   int64  `json:"nid"`
		Title string `json:"title"`
	} `json:"results"`
}

func (s *sportIndex) lookup(ctx context.Context, hc *http.Client, baseURL, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byID == nil {
		url := baseURL + "/asvz_api/sport_search?_format=json&limit=999"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", err
		}
		resp, err := hc.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return "", &APIError{Status: resp.StatusCode, Message: "sport search failed"}
		}
		var doc sportSearchDoc
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return "", fmt.Errorf("decode sport search: %w", err)
		}
		s.byID = make(map[string]string, len(doc.Results))
		for _, r := range doc.Results {
			s.byID[r.Title] = strconv.FormatInt(r.NID, 10)
		}
	}
	id, ok := s.byID[name]
	if !ok {
		return "", fmt.Errorf("sport %q: %w", name, ErrUnexpectedFormat)
	}
	return id, nil
}
