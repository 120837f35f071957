package middleware

import (
	"net/http"
)

type job struct {
	w    http.ResponseWriter
	r    *http.Request
	next http.Handler
	done chan struct{}
}

// Limiter bounds in-flight requests. Beyond maxInflight, one request waits
// in the dispatcher for a free slot and up to queueSize more wait in the
// queue, so queueSize+1 requests can be waiting. Further requests are
// rejected with 503.
type Limiter struct {
	queue    chan job
	inflight chan struct{}
}

func NewLimiter(queueSize, maxInflight int) *Limiter {
	l := &Limiter{
		queue:    make(chan job, queueSize),
		inflight: make(chan struct{}, maxInflight),
	}

	go l.dispatch()

	return l
}

func (l *Limiter) dispatch() {
	for j := range l.queue {
		// acquire inflight slot (blocks if full)
		l.inflight <- struct{}{}

		go func(j job) {
			defer func() {
				<-l.inflight // release slot
				close(j.done)
			}()

			if j.r.Context().Err() != nil {
				return
			}
			j.next.ServeHTTP(j.w, j.r)
		}(j)
	}
}

func (l *Limiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		j := job{
			w:    w,
			r:    r,
			next: next,
			done: make(chan struct{}),
		}

		select {
		case l.queue <- j:
			// The handler owns w once dispatched, so always wait for it.
			<-j.done
		default:
			http.Error(w, "server busy", http.StatusServiceUnavailable)
		}
	})
}
