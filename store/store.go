// Package store implements the file-backed Entity Store: durable,
// namespace-isolated CRUD for episodes, patterns, and skills, safe under
// concurrent access from multiple processes.
//
// Layout: one directory per namespace, one subdirectory per entity kind,
// one JSON file per entity named by its id. A small meta.json per namespace
// holds the consolidation watermark and the cached Layer-1/2 views.
//
// Writers are serialized per namespace+kind through an advisory file lock;
// readers never take the lock, they always observe either the old or the
// new atomically-renamed file. Undecodable files are quarantined and
// reported as CorruptEntity, never fatal.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/engramlabs/engram-go/core"
	"github.com/engramlabs/engram-go/hooks"
)

// Config tunes locking and cached-view behavior.
type Config struct {
	// LockAttempts bounds lock acquisition (LockTimeout after the last).
	LockAttempts int
	// LockBackoff is the base delay between attempts; doubled each retry.
	LockBackoff time.Duration
	// TimelineSize caps the cached Layer-2 timeline entries per namespace.
	TimelineSize int
	// TopPatterns caps the Layer-1 top-pattern titles per namespace.
	TopPatterns int
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		LockAttempts: 5,
		LockBackoff:  50 * time.Millisecond,
		TimelineSize: 50,
		TopPatterns:  8,
	}
}

// FileStore is the sole owner of the on-disk representation. Every other
// component borrows entities through it.
type FileStore struct {
	root    string
	cfg     Config
	log     *zap.Logger
	emitter hooks.Emitter
}

// Option configures the store.
type Option func(*FileStore)

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *FileStore) {
		if log != nil {
			s.log = log
		}
	}
}

// WithEmitter sets the hook emitter notified on episode writes.
func WithEmitter(e hooks.Emitter) Option {
	return func(s *FileStore) {
		if e != nil {
			s.emitter = e
		}
	}
}

// WithConfig overrides the default tuning.
func WithConfig(cfg Config) Option {
	return func(s *FileStore) {
		if cfg.LockAttempts > 0 {
			s.cfg.LockAttempts = cfg.LockAttempts
		}
		if cfg.LockBackoff > 0 {
			s.cfg.LockBackoff = cfg.LockBackoff
		}
		if cfg.TimelineSize > 0 {
			s.cfg.TimelineSize = cfg.TimelineSize
		}
		if cfg.TopPatterns > 0 {
			s.cfg.TopPatterns = cfg.TopPatterns
		}
	}
}

// New creates a store rooted at the given directory, creating it if
// needed. An unwritable root is the one fatal configuration error.
func New(root string, opts ...Option) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("store root %s: %w", root, err)
	}
	probe, err := os.CreateTemp(root, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("store root %s is not writable: %w", root, err)
	}
	probe.Close()
	os.Remove(probe.Name())

	s := &FileStore{
		root:    root,
		cfg:     DefaultConfig(),
		log:     zap.NewNop(),
		emitter: hooks.Discard,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the store root directory.
func (s *FileStore) Root() string { return s.root }

// Put writes or overwrites an entity by id within its namespace. The write
// is atomic from a reader's perspective: temp file, fsync, rename.
func (s *FileStore) Put(ctx context.Context, e core.Entity) error {
	ns, kind, id := e.EntityNamespace(), e.Kind(), e.EntityID()
	if err := validateName(ns); err != nil {
		return fmt.Errorf("namespace: %w", err)
	}
	if err := validateName(id); err != nil {
		return fmt.Errorf("entity id: %w", err)
	}
	if !kind.Valid() {
		return fmt.Errorf("unknown entity kind %q", kind)
	}
	clampBookkeeping(e.Book())

	switch v := e.(type) {
	case *core.SemanticPattern:
		if err := s.checkProvenance(ns, v.Provenance); err != nil {
			return err
		}
	case *core.ProceduralSkill:
		if err := s.checkProvenance(ns, v.Provenance); err != nil {
			return err
		}
	}
	if ep, ok := e.(*core.EpisodeTrace); ok && !ep.Outcome.Valid() {
		return fmt.Errorf("invalid outcome %q", ep.Outcome)
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s/%s/%s: %w", ns, kind, id, err)
	}

	lock, err := s.acquire(ctx, ns, string(kind))
	if err != nil {
		return err
	}
	path := s.entityPath(ns, kind, id)
	_, statErr := os.Stat(path)
	created := errors.Is(statErr, fs.ErrNotExist)
	writeErr := atomicWrite(filepath.Dir(path), path, data)
	unlockErr := lock.Unlock()
	if writeErr != nil {
		return fmt.Errorf("write %s/%s/%s: %w", ns, kind, id, writeErr)
	}
	if unlockErr != nil {
		s.log.Warn("unlock failed", zap.String("namespace", ns), zap.Error(unlockErr))
	}

	s.notePut(ctx, e, created)

	if created && kind == core.KindEpisode {
		s.emitter.Emit(hooks.Notification{
			Event:     hooks.EventEpisodeStored,
			Namespace: ns,
			Kind:      kind,
			EntityID:  id,
			At:        time.Now(),
		})
	}
	return nil
}

// Get returns the entity or a NotFound / CorruptEntity error. Reads take
// no lock.
func (s *FileStore) Get(ctx context.Context, ns string, kind core.Kind, id string) (core.Entity, error) {
	if err := validateName(ns); err != nil {
		return nil, fmt.Errorf("namespace: %w", err)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	path := s.entityPath(ns, kind, id)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &core.NotFoundError{Namespace: ns, Kind: kind, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s/%s: %w", ns, kind, id, err)
	}
	e, err := decodeEntity(kind, data)
	if err == nil && e.EntityNamespace() != ns {
		err = fmt.Errorf("record claims namespace %q", e.EntityNamespace())
	}
	if err != nil {
		s.quarantine(ns, kind, id, path, err)
		return nil, &core.CorruptEntityError{Namespace: ns, Kind: kind, ID: id, Err: err}
	}
	return e, nil
}

// Exists reports whether an entity file is present, without decoding it.
func (s *FileStore) Exists(ns string, kind core.Kind, id string) bool {
	if validateName(ns) != nil || validateName(id) != nil {
		return false
	}
	_, err := os.Stat(s.entityPath(ns, kind, id))
	return err == nil
}

// DeleteNamespace hard-deletes every entity in a namespace. Explicit
// user-initiated purge only; no automatic process calls this.
func (s *FileStore) DeleteNamespace(ctx context.Context, ns string) error {
	if err := validateName(ns); err != nil {
		return fmt.Errorf("namespace: %w", err)
	}
	// Hold every write lock so an in-flight Put or consolidation pass
	// cannot recreate directories mid-removal. Writers take at most one
	// lock at a time, so a fixed acquisition order cannot deadlock.
	scopes := []string{"consolidate"}
	for _, kind := range core.Kinds() {
		scopes = append(scopes, string(kind))
	}
	scopes = append(scopes, "meta")
	var locks []*flock.Flock
	defer func() {
		for i := len(locks) - 1; i >= 0; i-- {
			if err := locks[i].Unlock(); err != nil {
				s.log.Warn("unlock failed", zap.String("namespace", ns), zap.Error(err))
			}
		}
	}()
	for _, scope := range scopes {
		lock, err := s.acquire(ctx, ns, scope)
		if err != nil {
			return err
		}
		locks = append(locks, lock)
	}
	if err := os.RemoveAll(filepath.Join(s.root, ns)); err != nil {
		return fmt.Errorf("purge namespace %s: %w", ns, err)
	}
	s.log.Info("namespace purged", zap.String("namespace", ns))
	return nil
}

// Namespaces lists namespaces present under the store root.
func (s *FileStore) Namespaces() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, ent := range entries {
		if ent.IsDir() && !strings.HasPrefix(ent.Name(), ".") {
			out = append(out, ent.Name())
		}
	}
	return out, nil
}

// acquire takes the advisory lock for a namespace scope with bounded
// exponential backoff.
func (s *FileStore) acquire(ctx context.Context, ns, scope string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Join(s.root, ns), 0o755); err != nil {
		return nil, fmt.Errorf("namespace dir %s: %w", ns, err)
	}
	fl := flock.New(filepath.Join(s.root, ns, ".lock."+scope))
	delay := s.cfg.LockBackoff
	for attempt := 1; ; attempt++ {
		locked, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("lock %s/%s: %w", ns, scope, err)
		}
		if locked {
			return fl, nil
		}
		if attempt >= s.cfg.LockAttempts {
			s.log.Warn("lock contention",
				zap.String("namespace", ns),
				zap.String("scope", scope),
				zap.Int("attempts", attempt))
			return nil, &core.LockTimeoutError{Namespace: ns, Scope: scope, Attempts: attempt}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// WithConsolidationLock serializes consolidation runs per namespace. The
// lock is distinct from the entity-write locks so episode writes are never
// blocked by a long-running pass.
func (s *FileStore) WithConsolidationLock(ctx context.Context, ns string, fn func() error) error {
	lock, err := s.acquire(ctx, ns, "consolidate")
	if err != nil {
		return err
	}
	defer lock.Unlock()
	return fn()
}

func (s *FileStore) entityPath(ns string, kind core.Kind, id string) string {
	return filepath.Join(s.root, ns, string(kind), id+".json")
}

// quarantine moves an undecodable file aside so it is excluded from future
// reads, preserving it for inspection.
func (s *FileStore) quarantine(ns string, kind core.Kind, id, path string, cause error) {
	qdir := filepath.Join(s.root, ns, string(kind), "quarantine")
	if err := os.MkdirAll(qdir, 0o755); err != nil {
		s.log.Error("quarantine dir", zap.String("namespace", ns), zap.Error(err))
		return
	}
	dest := filepath.Join(qdir, fmt.Sprintf("%s.%d.json", id, time.Now().UnixNano()))
	if err := os.Rename(path, dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Error("quarantine move failed",
			zap.String("namespace", ns), zap.String("id", id), zap.Error(err))
		return
	}
	s.log.Warn("corrupt entity quarantined",
		zap.String("namespace", ns),
		zap.String("kind", string(kind)),
		zap.String("id", id),
		zap.String("quarantined_to", dest),
		zap.Error(cause))
}

// checkProvenance enforces that provenance references existing episodes
// within the writer's own namespace. Fails loudly: this is a programmer
// error, not a runtime condition.
func (s *FileStore) checkProvenance(ns string, provenance []string) error {
	for _, epID := range provenance {
		if !s.Exists(ns, core.KindEpisode, epID) {
			return &core.NamespaceViolationError{Namespace: ns, Ref: epID}
		}
	}
	return nil
}

func decodeEntity(kind core.Kind, data []byte) (core.Entity, error) {
	switch kind {
	case core.KindEpisode:
		var e core.EpisodeTrace
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		if e.ID == "" || !e.Outcome.Valid() {
			return nil, errors.New("incomplete episode record")
		}
		return &e, nil
	case core.KindPattern:
		var p core.SemanticPattern
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, errors.New("incomplete pattern record")
		}
		return &p, nil
	case core.KindSkill:
		var sk core.ProceduralSkill
		if err := json.Unmarshal(data, &sk); err != nil {
			return nil, err
		}
		if sk.ID == "" {
			return nil, errors.New("incomplete skill record")
		}
		return &sk, nil
	}
	return nil, fmt.Errorf("unknown entity kind %q", kind)
}

// atomicWrite lands data at path via temp file + rename so a concurrent
// reader never observes a partial record.
func atomicWrite(dir, path string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func clampBookkeeping(b *core.Bookkeeping) {
	if b.Importance < core.ImportanceFloor {
		b.Importance = core.ImportanceFloor
	}
	if b.Importance > 1.0 {
		b.Importance = 1.0
	}
	if b.ImportanceUpdatedAt.IsZero() {
		b.ImportanceUpdatedAt = time.Now()
	}
}

// validateName rejects ids and namespaces that would escape the store
// layout.
func validateName(name string) error {
	if name == "" {
		return errors.New("empty name")
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid name %q", name)
	}
	return nil
}
