package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"agora/fault"
	"agora/models"
	"agora/observability/metrics"
)

// withIdempotency replays the cached response for a repeated Idempotency-Key.
// A reused key with a different request body is rejected rather than replayed.
func withIdempotency(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
			if key == "" || r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
			if err != nil {
				writeError(w, fault.New(fault.CodeInvalidInput, "unreadable request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			requestHash := hex.EncodeToString(sum[:])

			var record models.IdempotencyKey
			if err := db.First(&record, "key = ?", key).Error; err == nil {
				if record.RequestHash != requestHash {
					writeError(w, fault.New(fault.CodeInvalidInput,
						"idempotency key reused with a different request"))
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(record.Status)
				_, _ = io.WriteString(w, record.Response)
				return
			}

			recorder := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(recorder, r)

			payload := models.IdempotencyKey{
				Key:         key,
				RequestHash: requestHash,
				Method:      r.Method,
				Path:        r.URL.Path,
				Status:      recorder.status,
				Response:    recorder.buf.String(),
				CreatedAt:   time.Now().UTC(),
			}
			if payload.Status == 0 {
				payload.Status = http.StatusOK
			}
			_ = db.Create(&payload).Error
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}

// withRateLimit enforces the sliding-window limit for the operation class,
// keyed by caller identity (agent name when authenticated, client IP
// otherwise).
func (s *Server) withRateLimit(op string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := agentFrom(r)
			if identity == "" {
				identity = clientIP(r)
			}
			decision := s.limiter.Allow(r.Context(), op, identity)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(decision.ResetIn.Seconds())+1))
				metrics.RateLimited.WithLabelValues(op).Inc()
				writeError(w, fault.New(fault.CodeRateLimited, "rate limit exceeded for %s", op))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type contextKey string

const ctxKeyAgent contextKey = "authenticated-agent"

// withAgentAuth resolves an X-API-Key header to a registered agent. Optional:
// requests without the header pass through unauthenticated; handlers that
// need a seller identity check for it.
func (s *Server) withAgentAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		var agent models.Agent
		if err := s.db.First(&agent, "api_credential = ?", key).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				writeError(w, fault.New(fault.CodeForbidden, "unknown API key"))
				return
			}
			writeError(w, err)
			return
		}
		if agent.Banned {
			writeError(w, fault.New(fault.CodeForbidden, "agent is banned"))
			return
		}
		ctx := contextWithAgent(r.Context(), agent.Name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireOps gates operational endpoints behind either the shared ops secret
// or an HS256 JWT with an ops role claim.
func (s *Server) requireOps(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, fault.New(fault.CodeForbidden, "operations credentials required"))
			return
		}
		if s.opsSecret != "" && token == s.opsSecret {
			next.ServeHTTP(w, r)
			return
		}
		if s.jwtSecret != "" && s.validOpsJWT(token) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, fault.New(fault.CodeForbidden, "operations credentials rejected"))
	})
}

func (s *Server) validOpsJWT(token string) bool {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.jwtSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return false
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return false
	}
	role, _ := claims["role"].(string)
	return role == "ops"
}

// withRequestMetrics counts handled requests per route pattern and status
// class.
func withRequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		statusClass := strconv.Itoa(ww.Status()/100) + "xx"
		metrics.HTTPRequests.WithLabelValues(route, statusClass).Inc()
	})
}

func contextWithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, ctxKeyAgent, agent)
}

// agentFrom returns the authenticated agent name, or empty.
func agentFrom(r *http.Request) string {
	agent, _ := r.Context().Value(ctxKeyAgent).(string)
	return agent
}

// clientIP strips the port from RemoteAddr. The RealIP middleware may have
// replaced RemoteAddr with a bare address, IPv6 included, so a split failure
// means there was no port to strip.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
