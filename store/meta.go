package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/engramlabs/engram-go/core"
)

// NamespaceMeta is the small per-namespace metadata document holding the
// consolidation watermark and the cached cheap views (Layer 1 counters and
// top patterns, Layer 2 timeline). It is maintained incrementally on every
// Put and rebuilt from entity files only on explicit request.
type NamespaceMeta struct {
	Namespace string `json:"namespace"`
	// Watermark marks the creation time up to which episodes have been
	// consolidated. Advanced only after all derived entities are durable.
	Watermark time.Time `json:"watermark,omitzero"`
	// EpisodesSinceConsolidation counts new episodes since the last run,
	// used by the accumulation trigger.
	EpisodesSinceConsolidation int `json:"episodes_since_consolidation"`

	Counts      map[core.Kind]int `json:"counts,omitempty"`
	Categories  map[string]int    `json:"categories,omitempty"`
	TopPatterns []PatternRef      `json:"top_patterns,omitempty"`
	Timeline    []TimelineEntry   `json:"timeline,omitempty"`

	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// PatternRef is a Layer-1 pattern title with enough metadata for ranking.
type PatternRef struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// TimelineEntry is one Layer-2 line: metadata only, newest first.
type TimelineEntry struct {
	ID        string    `json:"id"`
	Kind      core.Kind `json:"kind"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

func newMeta(ns string) *NamespaceMeta {
	return &NamespaceMeta{
		Namespace:  ns,
		Counts:     make(map[core.Kind]int),
		Categories: make(map[string]int),
	}
}

func (m *NamespaceMeta) normalize(ns string) {
	m.Namespace = ns
	if m.Counts == nil {
		m.Counts = make(map[core.Kind]int)
	}
	if m.Categories == nil {
		m.Categories = make(map[string]int)
	}
}

// Meta returns the namespace metadata. A missing file yields a fresh
// zero-valued document; a corrupt one is quarantined and replaced by an
// empty document (the cheap views degrade until RebuildMeta).
func (s *FileStore) Meta(ns string) (*NamespaceMeta, error) {
	if err := validateName(ns); err != nil {
		return nil, err
	}
	path := s.metaPath(ns)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return newMeta(ns), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read meta %s: %w", ns, err)
	}
	var m NamespaceMeta
	if err := json.Unmarshal(data, &m); err != nil {
		s.quarantineMeta(ns, path, err)
		return newMeta(ns), nil
	}
	m.normalize(ns)
	return &m, nil
}

// UpdateMeta applies fn to the metadata under the namespace meta lock and
// writes the result atomically. fn sees the current on-disk state, so
// concurrent writers (episode puts vs. a consolidation watermark advance)
// never clobber each other.
func (s *FileStore) UpdateMeta(ctx context.Context, ns string, fn func(*NamespaceMeta) error) error {
	lock, err := s.acquire(ctx, ns, "meta")
	if err != nil {
		return err
	}
	defer lock.Unlock()

	m, err := s.Meta(ns)
	if err != nil {
		return err
	}
	if err := fn(m); err != nil {
		return err
	}
	m.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode meta %s: %w", ns, err)
	}
	return atomicWrite(filepath.Join(s.root, ns), s.metaPath(ns), data)
}

// notePut incrementally maintains the cached views after a successful
// entity write. Failures here only degrade the cache (rebuildable), so
// they are logged rather than surfaced.
func (s *FileStore) notePut(ctx context.Context, e core.Entity, created bool) {
	pattern, isPattern := e.(*core.SemanticPattern)
	_, isSkill := e.(*core.ProceduralSkill)
	if !created && !isPattern && !isSkill {
		// Episode overwrites only touch bookkeeping; their cached line
		// never changes.
		return
	}
	err := s.UpdateMeta(ctx, e.EntityNamespace(), func(m *NamespaceMeta) error {
		if created {
			m.Counts[e.Kind()]++
			if e.Kind() == core.KindEpisode {
				m.EpisodesSinceConsolidation++
			}
			if c := core.Category(e); c != "" {
				m.Categories[c]++
			}
			m.Timeline = append([]TimelineEntry{{
				ID:        e.EntityID(),
				Kind:      e.Kind(),
				Line:      e.Line(),
				CreatedAt: e.Created(),
			}}, m.Timeline...)
			if len(m.Timeline) > s.cfg.TimelineSize {
				m.Timeline = m.Timeline[:s.cfg.TimelineSize]
			}
		} else {
			// Strengthening rewrites the one-line summary (usage counts,
			// merged steps); keep the timeline entry current.
			for i := range m.Timeline {
				if m.Timeline[i].ID == e.EntityID() && m.Timeline[i].Kind == e.Kind() {
					m.Timeline[i].Line = e.Line()
					break
				}
			}
		}
		if isPattern {
			s.upsertTopPattern(m, pattern)
		}
		return nil
	})
	if err != nil {
		s.log.Warn("meta update failed",
			zap.String("namespace", e.EntityNamespace()),
			zap.String("id", e.EntityID()),
			zap.Error(err))
	}
}

func (s *FileStore) upsertTopPattern(m *NamespaceMeta, p *core.SemanticPattern) {
	ref := PatternRef{
		ID:         p.ID,
		Title:      firstLineOf(p.Description),
		Category:   p.Category,
		Confidence: p.Confidence,
	}
	replaced := false
	for i := range m.TopPatterns {
		if m.TopPatterns[i].ID == p.ID {
			m.TopPatterns[i] = ref
			replaced = true
			break
		}
	}
	if !replaced {
		if p.Deprecated {
			return
		}
		m.TopPatterns = append(m.TopPatterns, ref)
	}
	if p.Deprecated {
		kept := m.TopPatterns[:0]
		for _, r := range m.TopPatterns {
			if r.ID != p.ID {
				kept = append(kept, r)
			}
		}
		m.TopPatterns = kept
	}
	sort.SliceStable(m.TopPatterns, func(i, j int) bool {
		return m.TopPatterns[i].Confidence > m.TopPatterns[j].Confidence
	})
	if len(m.TopPatterns) > s.cfg.TopPatterns {
		m.TopPatterns = m.TopPatterns[:s.cfg.TopPatterns]
	}
}

// RebuildMeta recomputes the cached views from the entity files, keeping
// the watermark. Used for recovery after corruption.
func (s *FileStore) RebuildMeta(ctx context.Context, ns string) error {
	return s.UpdateMeta(ctx, ns, func(m *NamespaceMeta) error {
		m.Counts = make(map[core.Kind]int)
		m.Categories = make(map[string]int)
		m.TopPatterns = nil
		m.Timeline = nil
		m.EpisodesSinceConsolidation = 0

		var all []core.Entity
		for _, kind := range core.Kinds() {
			list, err := s.List(ctx, ns, kind, Filter{IncludeArchived: true})
			if err != nil {
				return err
			}
			all = append(all, list...)
		}
		for _, e := range all {
			m.Counts[e.Kind()]++
			if c := core.Category(e); c != "" {
				m.Categories[c]++
			}
			if ep, ok := e.(*core.EpisodeTrace); ok {
				if !ep.Archived && ep.CreatedAt.After(m.Watermark) {
					m.EpisodesSinceConsolidation++
				}
			}
			if p, ok := e.(*core.SemanticPattern); ok {
				s.upsertTopPattern(m, p)
			}
		}
		sort.Slice(all, func(i, j int) bool { return all[i].Created().After(all[j].Created()) })
		for _, e := range all {
			if len(m.Timeline) >= s.cfg.TimelineSize {
				break
			}
			m.Timeline = append(m.Timeline, TimelineEntry{
				ID:        e.EntityID(),
				Kind:      e.Kind(),
				Line:      e.Line(),
				CreatedAt: e.Created(),
			})
		}
		return nil
	})
}

// ReadSidecar loads a small namespace-scoped JSON document owned by
// another component (e.g. the economics counters). A missing file leaves v
// untouched.
func (s *FileStore) ReadSidecar(ns, name string, v any) error {
	if err := validateName(ns); err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(s.root, ns, name+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// UpdateSidecar read-modify-writes a sidecar document under the meta lock.
func (s *FileStore) UpdateSidecar(ctx context.Context, ns, name string, v any, mutate func() error) error {
	lock, err := s.acquire(ctx, ns, "meta")
	if err != nil {
		return err
	}
	defer lock.Unlock()
	if err := s.ReadSidecar(ns, name, v); err != nil {
		return err
	}
	if err := mutate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(s.root, ns), filepath.Join(s.root, ns, name+".json"), data)
}

func (s *FileStore) metaPath(ns string) string {
	return filepath.Join(s.root, ns, "meta.json")
}

func (s *FileStore) quarantineMeta(ns, path string, cause error) {
	dest := path + fmt.Sprintf(".corrupt.%d", time.Now().UnixNano())
	if err := os.Rename(path, dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Error("meta quarantine failed", zap.String("namespace", ns), zap.Error(err))
		return
	}
	s.log.Warn("corrupt namespace meta quarantined",
		zap.String("namespace", ns),
		zap.String("quarantined_to", dest),
		zap.Error(cause))
}

func firstLineOf(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			s = s[:i]
			break
		}
	}
	const max = 120
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}
