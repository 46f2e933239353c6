package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/flowpbx/callbridge/internal/surface"
)

const (
	defaultEventWait = 25 * time.Second
	maxEventWait     = 60 * time.Second
)

type eventsResponse struct {
	Events []surface.Event `json:"events"`
	// Last is the value to pass as after on the next poll.
	Last uint64 `json:"last"`
}

// handleEvents handles GET /api/v1/events?after=&wait=. It long-polls the
// surface feed for reports newer than after. wait is in seconds; 0 returns
// immediately.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var after uint64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be a sequence number")
			return
		}
		after = n
	}

	wait := defaultEventWait
	if v := q.Get("wait"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "wait must be a non-negative number of seconds")
			return
		}
		wait = min(time.Duration(n)*time.Second, maxEventWait)
	}

	feed := s.device.Feed()
	if wait == 0 {
		writeEvents(w, feed.Since(after), after)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	events, err := feed.Wait(ctx, after)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		// Nothing new within the wait.
	default:
		// Client went away.
		return
	}
	writeEvents(w, events, after)
}

func writeEvents(w http.ResponseWriter, events []surface.Event, after uint64) {
	last := after
	if n := len(events); n > 0 {
		last = events[n-1].Seq
	}
	if events == nil {
		events = []surface.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events, Last: last})
}
