package httpapi

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/apperrors"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/auth"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/logging"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/metrics"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/ratelimit"
	pkglogger "github.com/penguintechinc/marchproxy-sub000/pkg/logger"
)

type contextKey int

const (
	claimsKey contextKey = iota
	correlationKey
)

// recovery turns a panicking handler into a 500 + internal error envelope
// instead of crashing the listener, per spec.md §7 ("internal errors are
// always logged with a correlation id ... the caller receives only the
// id").
func recovery(log *pkglogger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logging.Entry(r.Context(), log).WithField("panic", rec).WithField("stack", string(debug.Stack())).Error("panic recovered")
					writeError(w, apperrors.Internal("unhandled panic", nil))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// correlation assigns or propagates a request correlation id and attaches
// it (plus a not-yet-known actor/cluster) to the request context for
// downstream logging and audit.
func correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Correlation-ID", id)
		ctx := context.WithValue(r.Context(), correlationKey, id)
		ctx = logging.WithCorrelation(ctx, id, "", "")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

// accessLog logs one structured record per request: correlation id, actor,
// outcome, duration (spec.md §4.9).
func accessLog(log *pkglogger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logging.Entry(r.Context(), log).WithField("method", r.Method).
				WithField("path", r.URL.Path).
				WithField("status", rec.status).
				WithField("duration_ms", time.Since(start).Milliseconds()).
				Info("request handled")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// bodyLimit caps request body size, per spec.md §4.6's "strict request
// size limits".
func bodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// cors is a permissive default suitable for a control-plane API consumed by
// first-party tooling; deployments that need origin restriction configure
// it at the ingress in front of this listener.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// endpointRateLimit throttles per remote address, per spec.md §4.6's
// "per-endpoint rate limiting (token bucket, configurable)".
func endpointRateLimit(limiter *ratelimit.KeyLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter != nil && !limiter.Allow(r.RemoteAddr) {
				writeError(w, apperrors.Overload("request rate exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireAuth validates the Authorization bearer token and attaches its
// claims to the request context. It does not itself perform per-action
// authorization; handlers call auth.Authorize with the resolved claims.
func requireAuth(authMgr *auth.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, apperrors.New(apperrors.KindAuthentication, apperrors.CodeAuthInvalidCredentials, "missing bearer token"))
				return
			}
			claims, err := authMgr.ValidateAccessToken(token)
			if err != nil {
				writeError(w, mapAuthError(err))
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return ""
	}
	return h[len(prefix):]
}

func claimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*auth.Claims)
	return claims, ok
}

// instrumentMetrics wraps every request with the shared Prometheus HTTP
// middleware so /metrics sees the control plane's own REST traffic.
func instrumentMetrics(next http.Handler) http.Handler {
	return metrics.InstrumentHandler(next)
}

func mapAuthError(err error) error {
	switch err {
	case auth.ErrAuthInvalidCredentials:
		return apperrors.InvalidCredentials()
	case auth.ErrAuthLocked:
		return apperrors.Locked(0)
	case auth.ErrAuthMFARequired:
		return apperrors.MFARequired()
	case auth.ErrAuthTokenExpired:
		return apperrors.TokenExpired()
	case auth.ErrAuthTokenRevoked:
		return apperrors.TokenRevoked()
	case auth.ErrAuthForbidden:
		return apperrors.Forbidden("forbidden")
	default:
		return apperrors.Unavailable("validate credentials", err)
	}
}
