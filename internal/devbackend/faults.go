package devbackend

import (
	"net/http"
	"strconv"
)

type faultPlan struct {
	status     int
	remaining  int
	retryAfter int
	rate       float64
}

// FailNext answers the next n API requests with status. For 429 the
// response carries retryAfter seconds in Retry-After.
func (s *Server) FailNext(status, n, retryAfter int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults.status = status
	s.faults.remaining = n
	s.faults.retryAfter = retryAfter
}

// SetFailRate sets the probability of a random 500 on API requests.
func (s *Server) SetFailRate(rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults.rate = min(max(rate, 0), 1)
}

func (s *Server) nextFault() (status, retryAfter int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.faults.remaining > 0 {
		s.faults.remaining--
		return s.faults.status, s.faults.retryAfter
	}
	if s.faults.rate > 0 && s.random() < s.faults.rate {
		return http.StatusInternalServerError, 0
	}
	return 0, 0
}

func (s *Server) faultMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, retryAfter := s.nextFault()
		if status == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		}
		writeJSON(w, status, map[string]string{"message": http.StatusText(status)})
	})
}
