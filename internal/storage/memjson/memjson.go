// Package memjson is the snapshot storage backend. Branch state lives
// in memory and is committed as numbered JSON documents, one file per
// snapshot under <stateDir>/<branch>/. Tags are pointer files under
// <stateDir>/tags/ naming a branch and a snapshot number.
package memjson

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/vu-isis/depi/internal/storage"
)

func init() {
	storage.Register("memjson", Open)
}

// DB is the snapshot branch/tag catalog.
type DB struct {
	mu       sync.RWMutex
	cfg      *storage.Config
	stateDir string
	branches map[string]*Branch
	tags     map[string]*Branch
}

// Open loads all persisted branches and tags from cfg.StateDir,
// creating the directory and the default branch on first start.
func Open(cfg *storage.Config) (storage.DB, error) {
	db := &DB{
		cfg:      cfg,
		stateDir: cfg.StateDir,
		branches: map[string]*Branch{},
		tags:     map[string]*Branch{},
	}
	if err := db.loadAllState(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) defaultBranch() string {
	if db.cfg.DefaultBranch != "" {
		return db.cfg.DefaultBranch
	}
	return "main"
}

func (db *DB) loadAllState() error {
	if err := os.MkdirAll(db.stateDir, 0o750); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	entries, err := os.ReadDir(db.stateDir)
	if err != nil {
		return fmt.Errorf("reading state dir: %w", err)
	}
	for _, entry := range entries {
		if entry.Name() == "tags" || !entry.IsDir() {
			continue
		}
		branch, err := db.loadBranch(entry.Name())
		if err != nil {
			return err
		}
		db.branches[entry.Name()] = branch
	}

	tagsDir := filepath.Join(db.stateDir, "tags")
	if tagEntries, err := os.ReadDir(tagsDir); err == nil {
		for _, entry := range tagEntries {
			tag, err := db.loadTag(entry.Name())
			if err != nil {
				return err
			}
			db.tags[entry.Name()] = tag
		}
	}

	if _, ok := db.branches[db.defaultBranch()]; !ok {
		branch := newBranch(db, db.defaultBranch())
		db.branches[branch.name] = branch
		if err := branch.SaveState(); err != nil {
			return err
		}
	}
	return nil
}

// latestSnapshot returns the highest snapshot number in a branch
// directory, 0 when none exist.
func latestSnapshot(branchDir string) int {
	latest := 0
	entries, err := os.ReadDir(branchDir)
	if err != nil {
		return 0
	}
	for _, entry := range entries {
		if n, err := strconv.Atoi(entry.Name()); err == nil && n > latest {
			latest = n
		}
	}
	return latest
}

func (db *DB) loadBranch(name string) (*Branch, error) {
	branchDir := filepath.Join(db.stateDir, name)
	latest := latestSnapshot(branchDir)
	if latest == 0 {
		return newBranch(db, name), nil
	}
	return db.loadSnapshot(name, latest)
}

func (db *DB) loadSnapshot(branchName string, version int) (*Branch, error) {
	path := filepath.Join(db.stateDir, branchName, strconv.Itoa(version))
	branch, err := readSnapshot(db, path)
	if err != nil {
		return nil, fmt.Errorf("loading branch %s snapshot %d: %w", branchName, version, err)
	}
	return branch, nil
}

func (db *DB) loadTag(name string) (*Branch, error) {
	ptr, err := readTagPointer(filepath.Join(db.stateDir, "tags", name))
	if err != nil {
		return nil, fmt.Errorf("loading tag %s: %w", name, err)
	}
	branch, err := db.loadSnapshot(ptr.Branch, ptr.Version)
	if err != nil {
		return nil, fmt.Errorf("loading tag %s: %w", name, err)
	}
	branch.name = name
	branch.isTag = true
	return branch, nil
}

// GetBranch resolves a branch or tag by name. Tags come back as
// read-only branches.
func (db *DB) GetBranch(name string) (storage.Branch, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if b, ok := db.branches[name]; ok {
		return b, nil
	}
	if t, ok := db.tags[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", storage.ErrUnknownBranch, name)
}

// nameTakenLocked reports whether a name is claimed by either catalog.
// Branches and tags share one namespace; a branch reusing a tag's name
// would shadow the tag and make it writable through GetBranch.
func (db *DB) nameTakenLocked(name string) bool {
	if _, ok := db.branches[name]; ok {
		return true
	}
	_, ok := db.tags[name]
	return ok
}

// CreateBranch copies the state of a branch or tag into a new branch.
func (db *DB) CreateBranch(name, from string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.nameTakenLocked(name) {
		return fmt.Errorf("%w: %s", storage.ErrBranchExists, name)
	}
	src, ok := db.branches[from]
	if !ok {
		src, ok = db.tags[from]
	}
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrUnknownBranch, from)
	}
	branch := src.copy(name)
	branch.isTag = false
	db.branches[name] = branch
	return branch.saveStateLocked()
}

// CreateTag pins an immutable copy of a branch and records the pointer
// file so the tag survives restarts.
func (db *DB) CreateTag(name, fromBranch string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.nameTakenLocked(name) {
		return fmt.Errorf("%w: %s", storage.ErrBranchExists, name)
	}
	src, ok := db.branches[fromBranch]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrUnknownBranch, fromBranch)
	}

	tag := src.copy(name)
	tag.isTag = true
	tag.lastVersion = src.lastVersion

	tagsDir := filepath.Join(db.stateDir, "tags")
	if err := os.MkdirAll(tagsDir, 0o750); err != nil {
		return fmt.Errorf("creating tags dir: %w", err)
	}
	err := writeTagPointer(filepath.Join(tagsDir, name), tagPointer{
		Branch:  fromBranch,
		Version: src.lastVersion,
	})
	if err != nil {
		return err
	}
	db.tags[name] = tag
	return nil
}

// BranchList returns the branch names.
func (db *DB) BranchList() ([]string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, 0, len(db.branches))
	for name := range db.branches {
		names = append(names, name)
	}
	return names, nil
}

// TagList returns the tag names.
func (db *DB) TagList() ([]string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, 0, len(db.tags))
	for name := range db.tags {
		names = append(names, name)
	}
	return names, nil
}

// Close releases nothing; state is already on disk after each commit.
func (db *DB) Close() error {
	return nil
}
