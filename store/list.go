package store

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/engramlabs/engram-go/core"
)

// Filter narrows a List call. Zero values mean "no constraint".
type Filter struct {
	// Since/Until bound creation time (inclusive since, exclusive until).
	Since time.Time
	Until time.Time
	// Category matches the pattern category exactly (patterns only).
	Category string
	// MinImportance compares against the stored score; callers that need
	// the decayed value apply the importance engine on top.
	MinImportance float64
	// IncludeArchived includes episodes already consumed by consolidation.
	IncludeArchived bool
	// Limit caps the result after ordering; 0 means unlimited.
	Limit int
	// Descending orders newest-first instead of the default
	// creation-time-ascending.
	Descending bool
}

// List returns entities of one kind in a namespace matching the filter,
// ordered by creation time. Corrupt files are quarantined and skipped, so
// one bad record never hides the rest. A missing namespace or kind
// directory yields an empty result.
func (s *FileStore) List(ctx context.Context, ns string, kind core.Kind, f Filter) ([]core.Entity, error) {
	if err := validateName(ns); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, ns, string(kind))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]core.Entity, 0, len(entries))
	for _, ent := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		e, err := s.Get(ctx, ns, kind, id)
		if err != nil {
			// Get already quarantined and logged corrupt records; a
			// NotFound here means a concurrent purge. Either way the
			// entity is unavailable, not an error for the listing.
			continue
		}
		if !matches(e, f) {
			continue
		}
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].Created(), out[j].Created()
		if ti.Equal(tj) {
			if f.Descending {
				return out[i].EntityID() > out[j].EntityID()
			}
			return out[i].EntityID() < out[j].EntityID()
		}
		if f.Descending {
			return ti.After(tj)
		}
		return ti.Before(tj)
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(e core.Entity, f Filter) bool {
	created := e.Created()
	if !f.Since.IsZero() && created.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !created.Before(f.Until) {
		return false
	}
	if f.MinImportance > 0 && e.Book().Importance < f.MinImportance {
		return false
	}
	if f.Category != "" && core.Category(e) != f.Category {
		return false
	}
	if !f.IncludeArchived {
		if ep, ok := e.(*core.EpisodeTrace); ok && ep.Archived {
			return false
		}
	}
	return true
}
