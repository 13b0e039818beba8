package controller

import (
	"errors"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultReadingsLimit = 1000
	maxReadingsLimit     = 10000
	defaultWindow        = 24 * time.Hour
)

// parseReadingsQuery reads from/to/limit. A missing to means now; a missing
// from means one window before to.
func parseReadingsQuery(r *http.Request, now time.Time) (from time.Time, to time.Time, limit int, err error) {
	q := r.URL.Query()

	to = now.UTC()
	if s := q.Get("to"); s != "" {
		to, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, time.Time{}, 0, errors.New("invalid 'to' (expected RFC3339)")
		}
	}
	from = to.Add(-defaultWindow)
	if s := q.Get("from"); s != "" {
		from, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, time.Time{}, 0, errors.New("invalid 'from' (expected RFC3339)")
		}
	}
	if from.After(to) {
		return time.Time{}, time.Time{}, 0, errors.New("'from' must be <= 'to'")
	}

	limit = defaultReadingsLimit
	if s := q.Get("limit"); s != "" {
		n, convErr := strconv.Atoi(s)
		if convErr != nil {
			return time.Time{}, time.Time{}, 0, errors.New("invalid 'limit' (expected integer)")
		}
		if n <= 0 {
			return time.Time{}, time.Time{}, 0, errors.New("'limit' must be > 0")
		}
		if n > maxReadingsLimit {
			return time.Time{}, time.Time{}, 0, errors.New("'limit' must be <= 10000")
		}
		limit = n
	}

	return from.UTC(), to.UTC(), limit, nil
}
