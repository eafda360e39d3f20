package admission

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/bissquit/acquisitions/internal/pkg/ctxlog"
	"github.com/bissquit/acquisitions/internal/pkg/httputil"
)

// Middleware gates requests with an Engine. It reads the caller role from the
// request context, so it must run after httputil.OptionalAuthMiddleware.
type Middleware struct {
	engine Engine
	policy Policy
}

// NewMiddleware creates the admission gate.
func NewMiddleware(engine Engine, policy Policy) *Middleware {
	return &Middleware{engine: engine, policy: policy}
}

// Handler wraps next. Denials answer 403 with a role-specific message unless
// the rule runs in DRY_RUN mode. Engine failures answer 500.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := ctxlog.FromContext(ctx)

		role := RoleOf(httputil.GetRole(ctx))
		rule := m.policy.RuleFor(role)
		req := requestOf(r)

		decision, err := m.engine.Evaluate(ctx, req, rule)
		if err != nil {
			failures.Inc()
			logger.Error("admission evaluation failed",
				"error", fmt.Errorf("%w: %w", ErrPolicyUnavailable, err),
				"rule", rule.Name,
				"ip", req.IP,
				"path", req.Path,
			)
			httputil.ErrorWithMessage(w, http.StatusInternalServerError,
				"Internal server error", "Something went wrong with the security middleware")
			return
		}

		recordDecision(string(role), rule, decision)
		if !decision.IsDenied() {
			next.ServeHTTP(w, r)
			return
		}

		msg := Message(role, rule, decision.Reason)
		logger.Warn(msg,
			"ip", req.IP,
			"user_agent", req.UserAgent,
			"path", req.Path,
			"rule", rule.Name,
			"reason", decision.Reason,
			"mode", rule.Mode,
		)

		if rule.Mode == ModeDryRun {
			next.ServeHTTP(w, r)
			return
		}

		if decision.Reason == ReasonRateLimit && decision.RetryAfter > 0 {
			secs := int(math.Ceil(decision.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		httputil.ErrorWithMessage(w, http.StatusForbidden, "forbidden", msg)
	})
}

func requestOf(r *http.Request) Request {
	return Request{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Method:    r.Method,
		Path:      r.URL.EscapedPath(),
		RawQuery:  r.URL.RawQuery,
		Body:      inspectBody(r),
	}
}

// maxInspectedBody caps how much of a request body the shield reads.
const maxInspectedBody = 16 << 10

// inspectBody reads up to maxInspectedBody bytes of a JSON body and puts them
// back in front of the unread remainder, so handlers see the full body.
func inspectBody(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	if !strings.HasPrefix(ct, "application/json") {
		return ""
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, maxInspectedBody))
	r.Body = replayBody{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), Closer: r.Body}
	if err != nil {
		return ""
	}
	return inspectableText(buf)
}

type replayBody struct {
	io.Reader
	io.Closer
}

// inspectableText flattens a JSON document into its keys and string values,
// one per line, skipping password fields. Input that is not valid JSON, such
// as a body cut at the size cap, is inspected as raw text.
func inspectableText(buf []byte) string {
	var doc any
	if err := json.Unmarshal(buf, &doc); err != nil {
		return string(buf)
	}
	var parts []string
	collectStrings(doc, &parts)
	return strings.Join(parts, "\n")
}

func collectStrings(v any, parts *[]string) {
	switch v := v.(type) {
	case string:
		*parts = append(*parts, v)
	case []any:
		for _, item := range v {
			collectStrings(item, parts)
		}
	case map[string]any:
		for k, item := range v {
			if strings.Contains(strings.ToLower(k), "password") {
				continue
			}
			*parts = append(*parts, k)
			collectStrings(item, parts)
		}
	}
}

// clientIP returns the host part of RemoteAddr. Behind a trusted proxy,
// httputil.RealIPMiddleware has already replaced it with a bare address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
