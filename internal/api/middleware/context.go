package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const orgIDKey contextKey = "org_id"

// OrgHeader carries the caller's tenant tag. The tag is free-form; there
// is no authentication behind it, it only scopes listings, streams, and
// rate limiting.
const OrgHeader = "X-Org-ID"

// Tenant copies the org header into the request context. An absent header
// simply means an untagged caller.
func Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if org := strings.TrimSpace(r.Header.Get(OrgHeader)); org != "" {
			r = r.WithContext(SetOrgID(r.Context(), org))
		}
		next.ServeHTTP(w, r)
	})
}

// SetOrgID stores the tenant tag in the context.
func SetOrgID(ctx context.Context, org string) context.Context {
	return context.WithValue(ctx, orgIDKey, org)
}

// GetOrgID returns the tenant tag the request carried, if any.
func GetOrgID(r *http.Request) (string, bool) {
	org, ok := r.Context().Value(orgIDKey).(string)
	return org, ok
}
