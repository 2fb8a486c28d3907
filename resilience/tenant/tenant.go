// Package tenant carries the current tenant id through a context.
//
// Every tenant-scoped operation in the resilience layer resolves its tenant
// through Require. A missing tenant is a configuration error, never a default.
package tenant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"strings"

	"github.com/abrkgrbz/Stocker-sub077/resilience/faults"
)

type contextKey struct{}

// ErrTenantIDRequired is wrapped in the configuration error returned by Require.
var ErrTenantIDRequired = errors.New("tenant id is required")

// ContextWithID returns a child context carrying tenantID.
func ContextWithID(ctx context.Context, tenantID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, contextKey{}, strings.TrimSpace(tenantID))
}

// FromContext returns the tenant id in ctx, if any.
func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	id, ok := ctx.Value(contextKey{}).(string)
	if !ok || id == "" {
		return "", false
	}

	return id, true
}

// Require returns the tenant id in ctx or a faults.KindConfiguration error
// naming op.
func Require(ctx context.Context, op string) (string, error) {
	id, ok := FromContext(ctx)
	if !ok {
		return "", faults.Configuration(op, ErrTenantIDRequired)
	}

	return id, nil
}

// Accessor resolves the current tenant. Host applications that keep tenancy
// elsewhere (request claims, job metadata) implement it.
type Accessor interface {
	TenantID(ctx context.Context) (string, error)
}

// ContextAccessor reads the tenant placed by ContextWithID.
type ContextAccessor struct{}

// TenantID implements Accessor.
func (ContextAccessor) TenantID(ctx context.Context) (string, error) {
	return Require(ctx, "tenant.accessor")
}

// Discoverer lists tenants that have pending background work.
type Discoverer interface {
	DiscoverTenants(ctx context.Context) ([]string, error)
}

// StaticDiscoverer returns a fixed tenant list.
type StaticDiscoverer []string

// DiscoverTenants implements Discoverer.
func (s StaticDiscoverer) DiscoverTenants(context.Context) ([]string, error) {
	out := make([]string, 0, len(s))

	for _, id := range s {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}

	return out, nil
}

// DiscoverFunc adapts a function such as a store's ListTenants.
type DiscoverFunc func(ctx context.Context) ([]string, error)

// DiscoverTenants implements Discoverer.
func (fn DiscoverFunc) DiscoverTenants(ctx context.Context) ([]string, error) {
	return fn(ctx)
}

// Union merges the tenants of every discoverer, sorted and without
// duplicates. A failing discoverer does not hide the others: their tenants
// are returned together with the joined errors.
func Union(discoverers ...Discoverer) Discoverer {
	return DiscoverFunc(func(ctx context.Context) ([]string, error) {
		seen := make(map[string]struct{})

		var errs []error

		for _, d := range discoverers {
			if d == nil {
				continue
			}

			ids, err := d.DiscoverTenants(ctx)
			if err != nil {
				errs = append(errs, err)
			}

			for _, id := range ids {
				if id = strings.TrimSpace(id); id != "" {
					seen[id] = struct{}{}
				}
			}
		}

		out := make([]string, 0, len(seen))
		for id := range seen {
			out = append(out, id)
		}

		slices.Sort(out)

		return out, errors.Join(errs...)
	})
}

// HashID returns a short stable digest of tenantID for span attributes and
// logs that must not carry raw tenant identifiers.
func HashID(tenantID string) string {
	sum := sha256.Sum256([]byte(tenantID))

	return hex.EncodeToString(sum[:8])
}
