package stores

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oarkflow/date"

	"github.com/oarkflow/gatekeeper"
	"github.com/oarkflow/gatekeeper/utils"
)

func parseFlexibleTime(s string) (time.Time, error) {
	return date.Parse(s)
}

// scanTime converts whatever the driver returned for a timestamp column.
func scanTime(raw interface{}) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v
	case string:
		if t, err := parseFlexibleTime(v); err == nil {
			return t
		}
	case []byte:
		if t, err := parseFlexibleTime(string(v)); err == nil {
			return t
		}
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func cloneActor(a *gatekeeper.Actor) *gatekeeper.Actor {
	if a == nil {
		return nil
	}
	dup := *a
	if a.Attrs != nil {
		dup.Attrs = make(map[string]string, len(a.Attrs))
		for k, v := range a.Attrs {
			dup.Attrs[k] = v
		}
	}
	return &dup
}

func cloneRole(r *gatekeeper.Role) *gatekeeper.Role {
	if r == nil {
		return nil
	}
	dup := *r
	dup.Parents = append([]string(nil), r.Parents...)
	dup.Permissions = append([]gatekeeper.Permission(nil), r.Permissions...)
	return &dup
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// dedupe keeps the first occurrence of each id, preserving order.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func validateRole(r gatekeeper.Role) error {
	if !utils.ValidID(r.TenantID) || !utils.ValidID(r.ID) {
		return fmt.Errorf("%w: role requires tenant and id", gatekeeper.ErrInvalidArgument)
	}
	for _, p := range r.Parents {
		if !utils.ValidID(p) {
			return fmt.Errorf("%w: role %s has an empty parent id", gatekeeper.ErrInvalidArgument, r.ID)
		}
		if p == r.ID {
			return fmt.Errorf("%w: role %s/%s lists itself as parent", gatekeeper.ErrCycleDetected, r.TenantID, r.ID)
		}
	}
	for _, p := range r.Permissions {
		if p.Action == "" || p.ResourceType == "" {
			return fmt.Errorf("%w: role %s has an incomplete permission", gatekeeper.ErrInvalidArgument, r.ID)
		}
	}
	return nil
}

func validateActor(a gatekeeper.Actor) error {
	if !utils.ValidID(a.TenantID) || !utils.ValidID(a.ID) {
		return fmt.Errorf("%w: actor requires tenant and id", gatekeeper.ErrInvalidArgument)
	}
	return nil
}

func validatePermission(tenantID string, p gatekeeper.Permission) error {
	if !utils.ValidID(tenantID) || !utils.ValidID(string(p.Action)) || !utils.ValidID(p.ResourceType) {
		return fmt.Errorf("%w: permission requires tenant, action and resource type", gatekeeper.ErrInvalidArgument)
	}
	return nil
}

// tenantLocks hands out one mutex per tenant so writers of a tenant
// serialize while writers of different tenants never contend.
type tenantLocks struct {
	locks sync.Map // tenant id -> *sync.Mutex
}

func (l *tenantLocks) lock(tenantID string) func() {
	v, _ := l.locks.LoadOrStore(tenantID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
