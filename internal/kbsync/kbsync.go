// Package kbsync mirrors a directory of files into the knowledge base, once or
// continuously as files change.
package kbsync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"

	"github.com/watzon/herald/internal/retrieval"
)

// Indexer is the part of the retrieval store a sync writes to.
type Indexer interface {
	Add(ctx context.Context, doc *retrieval.Document) error
	DeleteSource(ctx context.Context, tenantID, assistantID, source string) (int64, error)
}

// DefaultPatterns selects the file types indexed when Config.Patterns is empty.
var DefaultPatterns = []string{"**.md", "**.markdown", "**.txt", "**.html", "**.htm"}

const (
	defaultDebounce = 200 * time.Millisecond
	maxFileSize     = 1 << 20
)

type Config struct {
	Dir         string
	TenantID    string
	AssistantID string

	// Glob patterns matched against slash-separated paths relative to Dir
	Patterns []string

	// Quiet period before a changed file is reindexed
	Debounce time.Duration
}

// Stats summarizes a full sync.
type Stats struct {
	Indexed int
	Skipped int
	Failed  int
}

type Syncer struct {
	indexer  Indexer
	cfg      Config
	matchers []glob.Glob

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

func New(indexer Indexer, cfg Config) (*Syncer, error) {
	if cfg.TenantID == "" {
		return nil, errors.New("tenant id is required")
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolving directory: %w", err)
	}
	cfg.Dir = dir
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", cfg.Dir)
	}
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = DefaultPatterns
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}

	s := &Syncer{
		indexer: indexer,
		cfg:     cfg,
		pending: make(map[string]*time.Timer),
	}
	for _, pattern := range cfg.Patterns {
		matcher, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		s.matchers = append(s.matchers, matcher)
	}
	return s, nil
}

// Matches reports whether path, absolute or relative to the directory, is
// selected by the configured patterns.
func (s *Syncer) Matches(path string) bool {
	rel, ok := s.source(path)
	if !ok {
		return false
	}
	for _, m := range s.matchers {
		if m.Match(rel) {
			return true
		}
	}
	return false
}

// source returns the document source for path: its slash-separated path
// relative to the synced directory.
func (s *Syncer) source(path string) (string, bool) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.cfg.Dir, path)
	}
	rel, err := filepath.Rel(s.cfg.Dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// SyncAll indexes every matching file under the directory.
func (s *Syncer) SyncAll(ctx context.Context) (Stats, error) {
	var stats Stats
	err := filepath.WalkDir(s.cfg.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != s.cfg.Dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !s.Matches(path) {
			stats.Skipped++
			return nil
		}
		if err := s.IndexFile(ctx, path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to index file")
			stats.Failed++
			return nil
		}
		stats.Indexed++
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("walking %s: %w", s.cfg.Dir, err)
	}

	log.Info().
		Str("dir", s.cfg.Dir).
		Str("tenant_id", s.cfg.TenantID).
		Int("indexed", stats.Indexed).
		Int("skipped", stats.Skipped).
		Int("failed", stats.Failed).
		Msg("Knowledge base synced")
	return stats, nil
}

// IndexFile replaces the documents indexed from path with its current
// contents. A file that is now empty is only removed.
func (s *Syncer) IndexFile(ctx context.Context, path string) error {
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.cfg.Dir, path)
	}
	source, ok := s.source(path)
	if !ok {
		return fmt.Errorf("%s is outside %s", path, s.cfg.Dir)
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() > maxFileSize {
		return fmt.Errorf("file is larger than %d bytes", maxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if _, err := s.indexer.DeleteSource(ctx, s.cfg.TenantID, s.cfg.AssistantID, source); err != nil {
		return err
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}

	return s.indexer.Add(ctx, &retrieval.Document{
		TenantID:    s.cfg.TenantID,
		AssistantID: s.cfg.AssistantID,
		Source:      source,
		Title:       Title(path, string(data)),
		Content:     string(data),
	})
}

// Remove drops the documents indexed from path.
func (s *Syncer) Remove(ctx context.Context, path string) error {
	source, ok := s.source(path)
	if !ok {
		return nil
	}
	n, err := s.indexer.DeleteSource(ctx, s.cfg.TenantID, s.cfg.AssistantID, source)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Debug().Str("source", source).Int64("documents", n).Msg("Removed documents")
	}
	return nil
}

// Title is the first markdown heading of content, or the file name without
// its extension.
func Title(path, content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Watch reindexes files as they change until ctx is done. Bursts of events
// for one file are coalesced by the debounce window.
func (s *Syncer) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := s.addTree(watcher, s.cfg.Dir); err != nil {
		return err
	}

	log.Info().Str("dir", s.cfg.Dir).Msg("Watching knowledge base directory")

	defer s.drain()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			s.handleEvent(ctx, watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (s *Syncer) addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

func (s *Syncer) handleEvent(ctx context.Context, watcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := s.addTree(watcher, event.Name); err != nil {
				log.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
			}
			// Files written before the directory was watched produce no events.
			_ = filepath.WalkDir(event.Name, func(path string, d fs.DirEntry, err error) error {
				if err == nil && !d.IsDir() && s.Matches(path) {
					s.debounce(ctx, path)
				}
				return nil
			})
			return
		}
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if !s.Matches(event.Name) {
		return
	}
	s.debounce(ctx, event.Name)
}

func (s *Syncer) debounce(ctx context.Context, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, exists := s.pending[path]; exists {
		if timer.Stop() {
			s.wg.Done()
		}
	}

	s.wg.Add(1)
	s.pending[path] = time.AfterFunc(s.cfg.Debounce, func() {
		defer s.wg.Done()

		s.mu.Lock()
		delete(s.pending, path)
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		s.apply(ctx, path)
	})
}

// apply reconciles one path: present files are reindexed, missing ones are
// removed.
func (s *Syncer) apply(ctx context.Context, path string) {
	var err error
	if _, statErr := os.Stat(path); statErr == nil {
		err = s.IndexFile(ctx, path)
	} else {
		err = s.Remove(ctx, path)
	}
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to sync file")
		return
	}
	log.Debug().Str("path", path).Msg("File synced")
}

func (s *Syncer) drain() {
	s.mu.Lock()
	for path, timer := range s.pending {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.pending, path)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
