package transport

import (
	"context"
	"net/http"
	"strings"

	"github.com/pitabwire/intraflow/internal/observability"
	"github.com/pitabwire/intraflow/model"
)

type claimsKey struct{}

// WithClaims stores verified token claims in ctx.
func WithClaims(ctx context.Context, claims map[string]any) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFrom returns the claims stored by WithClaims, or nil.
func ClaimsFrom(ctx context.Context) map[string]any {
	claims, _ := ctx.Value(claimsKey{}).(map[string]any)
	return claims
}

// claimPaths locates the caller's identity inside the token. Each field is a
// dotted path such as "realm_access.roles".
type claimPaths struct {
	subject string
	email   string
	name    string
	roles   string
}

// resolveClaimPaths applies identity.claim_paths overrides to the OIDC
// defaults. Unknown keys and empty values are ignored.
func resolveClaimPaths(overrides map[string]string) claimPaths {
	p := claimPaths{subject: "sub", email: "email", name: "name", roles: "roles"}
	for key, path := range overrides {
		if path == "" {
			continue
		}
		switch key {
		case "subject_id":
			p.subject = path
		case "email":
			p.email = path
		case "name":
			p.name = path
		case "roles":
			p.roles = path
		}
	}
	return p
}

// Identify turns the verified claims into the caller's model.RequestContext.
// Tokens without a subject or email are refused with 401, since ownership and
// notifications both key on them.
func Identify(overrides map[string]string) func(http.Handler) http.Handler {
	paths := resolveClaimPaths(overrides)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			claims := ClaimsFrom(ctx)
			caller := &model.RequestContext{
				SubjectID:     claimString(claims, paths.subject),
				Email:         claimString(claims, paths.email),
				Name:          claimString(claims, paths.name),
				Roles:         claimStrings(claims, paths.roles),
				CorrelationID: CorrelationIDFrom(ctx),
				TraceID:       observability.TraceIDFromContext(ctx),
				SpanID:        observability.SpanIDFromContext(ctx),
			}
			if err := caller.Validate(); err != nil {
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(model.WithRequestContext(ctx, caller)))
		})
	}
}

// claimValue follows a dotted path through nested claim objects.
func claimValue(claims map[string]any, path string) any {
	if len(claims) == 0 || path == "" {
		return nil
	}
	var cur any = claims
	for part := range strings.SplitSeq(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[part]
	}
	return cur
}

func claimString(claims map[string]any, path string) string {
	s, _ := claimValue(claims, path).(string)
	return s
}

// claimStrings reads a list claim. A space-separated string is accepted too,
// as some IdPs emit roles the way they emit scope.
func claimStrings(claims map[string]any, path string) []string {
	switch v := claimValue(claims, path).(type) {
	case []string:
		return v
	case string:
		return strings.Fields(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
