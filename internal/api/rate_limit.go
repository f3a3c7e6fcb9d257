package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/rasterflow/internal/ratelimit"
)

type RateLimiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !shouldRateLimit(r) {
			next.ServeHTTP(w, r)
			return
		}

		decision, err := s.rateLimiter.Allow(r.Context(), s.rateLimitKey(r))
		if err != nil {
			// Fail open. A Redis hiccup should not take down job submission.
			s.logger.Printf("rate limit check failed: %v", err)
			next.ServeHTTP(w, r)
			return
		}
		if !decision.Allowed {
			s.metrics.rateLimitRejected.WithLabelValues(routeLabel(r.URL.Path)).Inc()
			w.Header().Set("Retry-After", retryAfterSeconds(decision.RetryAfter))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(d time.Duration) string {
	secs := int64(d / time.Second)
	if d%time.Second != 0 || secs == 0 {
		secs++
	}
	return strconv.FormatInt(secs, 10)
}

func shouldRateLimit(r *http.Request) bool {
	return r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/v1/transforms")
}

func (s *Server) rateLimitKey(r *http.Request) string {
	if userID := strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader)); userID != "" {
		return "user:" + userID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
