// Package cache implements the file-backed page cache used for 304 reuse
// and graceful degradation after exhausted retries.
package cache

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/normafeed/fetchkit/internal/fetch"
	"github.com/normafeed/fetchkit/internal/hash/sha256"
)

var slugPattern = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// Store keeps one body file plus one metadata file per cached URL.
type Store struct {
	baseDir string
	hasher  *sha256.Hasher
	logger  *zap.Logger
}

// New creates a page cache rooted at baseDir.
func New(baseDir string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", baseDir, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		baseDir: baseDir,
		hasher:  sha256.New(),
		logger:  logger,
	}, nil
}

// Put stores the entry, replacing any previous content for the URL. Writes
// go to a temp file first so a crash cannot leave a truncated body behind.
func (s *Store) Put(entry fetch.CacheEntry) error {
	if entry.URL == "" {
		return fmt.Errorf("entry url is required")
	}
	if entry.Fingerprint == "" {
		fp, err := s.hasher.Hash(entry.Body)
		if err != nil {
			return fmt.Errorf("fingerprint body: %w", err)
		}
		entry.Fingerprint = fp
	}

	key := cacheKey(entry.URL)
	if err := s.writeAtomic(key+".html", entry.Body); err != nil {
		return err
	}
	meta, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache meta: %w", err)
	}
	return s.writeAtomic(key+".json", meta)
}

// Get returns the cached entry for a URL, if any. A missing or unreadable
// entry is reported as absent, never as fatal.
func (s *Store) Get(url string) (fetch.CacheEntry, bool, error) {
	key := cacheKey(url)
	meta, err := os.ReadFile(filepath.Join(s.baseDir, key+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return fetch.CacheEntry{}, false, nil
		}
		return fetch.CacheEntry{}, false, fmt.Errorf("read cache meta: %w", err)
	}

	var entry fetch.CacheEntry
	if err := json.Unmarshal(meta, &entry); err != nil {
		s.logger.Warn("cache meta corrupt, treating as miss",
			zap.String("url", url),
			zap.Error(err),
		)
		return fetch.CacheEntry{}, false, nil
	}

	body, err := os.ReadFile(filepath.Join(s.baseDir, key+".html"))
	if err != nil {
		if os.IsNotExist(err) {
			return fetch.CacheEntry{}, false, nil
		}
		return fetch.CacheEntry{}, false, fmt.Errorf("read cache body: %w", err)
	}
	entry.Body = body
	return entry, true, nil
}

func (s *Store) writeAtomic(name string, data []byte) error {
	target := filepath.Join(s.baseDir, name)
	cleanBase := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(target), cleanBase+string(filepath.Separator)) {
		return fmt.Errorf("cache path escapes base dir")
	}
	tmp, err := os.CreateTemp(s.baseDir, ".cache-*")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close cache file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace cache file: %w", err)
	}
	return nil
}

// cacheKey turns a URL into a stable filesystem slug, host first so entries
// group by source.
func cacheKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.Trim(slugPattern.ReplaceAllString(raw, "-"), "-")
	}
	slug := strings.Trim(slugPattern.ReplaceAllString(u.Path, "-"), "-")
	if u.RawQuery != "" {
		q := strings.Trim(slugPattern.ReplaceAllString(u.RawQuery, "-"), "-")
		if q != "" {
			slug = slug + "-" + q
		}
	}
	if slug == "" {
		slug = "index"
	}
	return u.Host + "-" + slug
}
