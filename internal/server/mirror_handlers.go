package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BadgerOps/reposync/internal/mirror"
)

type mirrorsResponse struct {
	LastCheck time.Time                     `json:"last_check"`
	FetchedAt time.Time                     `json:"fetched_at"`
	FromCache bool                          `json:"from_cache"`
	Count     int                           `json:"count"`
	Mirrors   []mirror.Mirror               `json:"mirrors"`
	Rated     map[string]mirror.RatedMirror `json:"rated,omitempty"`
}

// handleMirrors returns the filtered, arranged mirror list. Unset query
// parameters fall back to the configured criteria.
func (s *Server) handleMirrors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	criteria, err := s.criteriaFromQuery(q)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	var opts mirror.ArrangeOptions
	ints := []struct {
		name string
		dst  *int
	}{
		{"latest", &opts.Latest},
		{"score", &opts.Score},
		{"fastest", &opts.Fastest},
		{"number", &opts.Number},
	}
	for _, iv := range ints {
		if *iv.dst, err = queryInt(q, iv.name); err != nil {
			jsonError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if opts.SortBy, err = mirror.ParseSortKey(q.Get("sort")); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	st, err := s.status.Fetch(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	filtered := mirror.FilterSlice(st.URLs, criteria, s.now())
	arranged, rated := mirror.Arrange(r.Context(), filtered, opts, s.rater)
	if arranged == nil {
		arranged = []mirror.Mirror{}
	}

	writeJSON(w, http.StatusOK, mirrorsResponse{
		LastCheck: st.LastCheck,
		FetchedAt: st.FetchedAt,
		FromCache: st.FromCache,
		Count:     len(arranged),
		Mirrors:   arranged,
		Rated:     rated,
	})
}

func (s *Server) handleCountries(w http.ResponseWriter, r *http.Request) {
	st, err := s.status.Fetch(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mirror.Countries(st))
}

// handleRate rates an explicit list of mirror base URLs.
func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	type rateRequest struct {
		URLs []string `json:"urls"`
	}

	var req rateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if len(req.URLs) == 0 {
		jsonError(w, http.StatusBadRequest, "urls must not be empty")
		return
	}

	mirrors := make([]mirror.Mirror, 0, len(req.URLs))
	for _, raw := range req.URLs {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			jsonError(w, http.StatusBadRequest, fmt.Sprintf("invalid mirror URL %q", raw))
			return
		}
		switch u.Scheme {
		case "http", "https", "rsync":
		default:
			jsonError(w, http.StatusBadRequest, fmt.Sprintf("unsupported protocol %q", u.Scheme))
			return
		}
		mirrors = append(mirrors, mirror.Mirror{URL: raw, Protocol: u.Scheme})
	}

	ranked := mirror.RankRated(mirrors, s.rater.Rate(r.Context(), mirrors))
	writeJSON(w, http.StatusOK, ranked)
}

func (s *Server) criteriaFromQuery(q url.Values) (mirror.Criteria, error) {
	c := s.criteria

	if v := queryList(q, "country"); len(v) > 0 {
		c.Countries = v
	}
	if v := queryList(q, "protocol"); len(v) > 0 {
		c.Protocols = v
	}

	if v := q.Get("age"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return c, fmt.Errorf("age must be a non-negative number of hours")
		}
		c.MaxAgeHours = f
	}
	if v := q.Get("completion"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return c, fmt.Errorf("completion must be between 0 and 1")
		}
		c.MinCompletionPct = f
	}

	var err error
	if v := q["include"]; len(v) > 0 {
		if c.Include, err = mirror.CompilePatterns(v); err != nil {
			return c, fmt.Errorf("include: %w", err)
		}
	}
	if v := q["exclude"]; len(v) > 0 {
		if c.Exclude, err = mirror.CompilePatterns(v); err != nil {
			return c, fmt.Errorf("exclude: %w", err)
		}
	}
	return c, nil
}

// queryList accepts both repeated parameters and comma-separated values.
func queryList(q url.Values, name string) []string {
	var out []string
	for _, v := range q[name] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func queryInt(q url.Values, name string) (int, error) {
	v := q.Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
