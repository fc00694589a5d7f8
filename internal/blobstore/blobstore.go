// Package blobstore persists fetched article content as JSON documents on
// local disk. Documents are laid out in a date tree so that retention can
// drop whole days at a time:
//
//	{base}/2025/08/25/ACME/1042.json
//
// The database stores only the relative path; the blob holds the markdown
// content, which is too large and too mutable for a relational column.
package blobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned by Load when no document exists at the given path.
var ErrNotFound = errors.New("blobstore: not found")

// Document is the on-disk representation of an article's fetched content.
// FullText is markdown. Cleaning rewrites the same document in place, so the
// path recorded in the database stays valid across the whole pipeline.
type Document struct {
	NewsID    int64             `json:"news_id"`
	Symbol    string            `json:"symbol,omitempty"`
	URL       string            `json:"url"`
	Title     string            `json:"title"`
	FullText  string            `json:"full_text"`
	Authors   []string          `json:"authors,omitempty"`
	Keywords  []string          `json:"keywords,omitempty"`
	TopImage  string            `json:"top_image,omitempty"`
	Images    []string          `json:"images,omitempty"`
	Language  string            `json:"language,omitempty"`
	WordCount int               `json:"word_count"`
	SourceTag string            `json:"source_tag,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	FetchedAt time.Time         `json:"fetched_at"`
	CleanedAt time.Time         `json:"cleaned_at,omitempty"`
	SavedAt   time.Time         `json:"saved_at"`
}

// Store reads and writes documents under a single base directory.
type Store struct {
	base    string
	nowFunc func() time.Time
}

// New creates the base directory if needed and returns a store rooted there.
func New(base string) (*Store, error) {
	if base == "" {
		return nil, errors.New("blobstore: base directory required")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create base: %w", err)
	}
	return &Store{base: base, nowFunc: time.Now}, nil
}

// Save writes the document atomically and returns its relative path. The
// path is derived from FetchedAt, the symbol, and the news ID, so saving
// the same document again (for example after cleaning) overwrites in place.
func (s *Store) Save(doc Document) (string, error) {
	if doc.NewsID <= 0 {
		return "", errors.New("blobstore: document needs a news id")
	}
	if doc.FetchedAt.IsZero() {
		doc.FetchedAt = s.nowFunc().UTC()
	}
	doc.SavedAt = s.nowFunc().UTC()
	rel := s.relPath(doc)
	if err := s.write(rel, doc); err != nil {
		return "", err
	}
	return rel, nil
}

// SaveAt rewrites the document at an existing relative path. Used by the
// cleaning stage, which must not move the blob the database already points at.
func (s *Store) SaveAt(relPath string, doc Document) error {
	if _, err := s.abs(relPath); err != nil {
		return err
	}
	doc.SavedAt = s.nowFunc().UTC()
	return s.write(relPath, doc)
}

// Load reads the document at the given relative path.
func (s *Store) Load(relPath string) (Document, error) {
	abs, err := s.abs(relPath)
	if err != nil {
		return Document{}, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("blobstore: read %s: %w", relPath, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("blobstore: decode %s: %w", relPath, err)
	}
	return doc, nil
}

// Delete removes the document if it exists. Missing files are not an error,
// so retention can be retried safely.
func (s *Store) Delete(relPath string) error {
	abs, err := s.abs(relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blobstore: delete %s: %w", relPath, err)
	}
	return nil
}

// CleanupBefore removes every day directory strictly older than the cutoff
// date and prunes month and year directories left empty. It returns the
// number of documents removed.
func (s *Store) CleanupBefore(cutoff time.Time) (int, error) {
	cutoffDay := cutoff.UTC().Truncate(24 * time.Hour)
	removed := 0

	years, err := os.ReadDir(s.base)
	if err != nil {
		return 0, fmt.Errorf("blobstore: scan base: %w", err)
	}
	for _, y := range years {
		year, ok := dirNumber(y, 4)
		if !ok {
			continue
		}
		yearDir := filepath.Join(s.base, y.Name())
		months, err := os.ReadDir(yearDir)
		if err != nil {
			return removed, err
		}
		for _, m := range months {
			month, ok := dirNumber(m, 2)
			if !ok {
				continue
			}
			monthDir := filepath.Join(yearDir, m.Name())
			days, err := os.ReadDir(monthDir)
			if err != nil {
				return removed, err
			}
			for _, d := range days {
				day, ok := dirNumber(d, 2)
				if !ok {
					continue
				}
				date := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
				if !date.Before(cutoffDay) {
					continue
				}
				dayDir := filepath.Join(monthDir, d.Name())
				n, err := countDocuments(dayDir)
				if err != nil {
					return removed, err
				}
				if err := os.RemoveAll(dayDir); err != nil {
					return removed, fmt.Errorf("blobstore: remove %s: %w", dayDir, err)
				}
				removed += n
			}
			// Remove succeeds only on empty directories.
			_ = os.Remove(monthDir)
		}
		_ = os.Remove(yearDir)
	}
	return removed, nil
}

// --- internals ---

func (s *Store) relPath(doc Document) string {
	t := doc.FetchedAt.UTC()
	return path.Join(
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", int(t.Month())),
		fmt.Sprintf("%02d", t.Day()),
		sanitizeSymbol(doc.Symbol),
		strconv.FormatInt(doc.NewsID, 10)+".json",
	)
}

// abs resolves a relative path under the base directory, rejecting anything
// that would escape it.
func (s *Store) abs(relPath string) (string, error) {
	if relPath == "" {
		return "", errors.New("blobstore: empty path")
	}
	clean := filepath.Clean(filepath.FromSlash(relPath))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("blobstore: invalid path %q", relPath)
	}
	return filepath.Join(s.base, clean), nil
}

// write marshals the document and swaps it into place with a rename, so a
// crash mid-write never leaves a truncated blob at the recorded path.
func (s *Store) write(relPath string, doc Document) error {
	abs, err := s.abs(relPath)
	if err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("blobstore: encode: %w", err)
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("blobstore: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".blob-*")
	if err != nil {
		return fmt.Errorf("blobstore: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("blobstore: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("blobstore: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("blobstore: close: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("blobstore: rename: %w", err)
	}
	return nil
}

// sanitizeSymbol keeps ticker-safe characters so exchange suffixes like
// "600519.SH" or "BRK-B" survive as directory names.
func sanitizeSymbol(symbol string) string {
	if symbol == "" {
		return "NONE"
	}
	var b strings.Builder
	for _, r := range symbol {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func dirNumber(e os.DirEntry, digits int) (int, bool) {
	if !e.IsDir() || len(e.Name()) != digits {
		return 0, false
	}
	n, err := strconv.Atoi(e.Name())
	if err != nil {
		return 0, false
	}
	return n, true
}

func countDocuments(dir string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(p, ".json") {
			n++
		}
		return nil
	})
	return n, err
}
