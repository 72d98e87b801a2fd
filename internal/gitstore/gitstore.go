// Package gitstore implements a content-addressed version store for
// generated files: blobs keyed by digest, commit objects forming a
// linear history, and a HEAD ref. It is the source of truth for
// generated project files and lives in the project database so a
// project remains a single artifact on disk.
package gitstore

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/untoldecay/CodeLoom/internal/types"
)

const (
	headRef       = "HEAD"
	defaultAuthor = "loom"
)

// File is one file in a commit request. Delete removes the path from
// the tree instead of writing it.
type File struct {
	Path     string
	Contents string
	Delete   bool
}

// CommitInfo is one entry of the commit log.
type CommitInfo struct {
	OID       string    `json:"oid"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Author    string    `json:"author"`
}

// CommitDetail is the full view of one commit, optionally with
// per-file unified diffs against its parent.
type CommitDetail struct {
	CommitInfo
	Files []string          `json:"files"`
	Diffs map[string]string `json:"diffs,omitempty"`
}

// ExportedObject is a flat path/bytes pair suitable for pushing to an
// external remote.
type ExportedObject struct {
	Path  string
	Bytes []byte
}

// Store is the content-addressed file store. Reads are safe
// concurrently; writes are serialized by the orchestrator and by mu.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	onFilesChanged func()
}

// New creates a Store over the given database. Tables are owned by
// the store schema.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// SetOnFilesChangedCallback registers the single callback fired after
// any operation that rewrites the tracked tree (commit, hard reset).
// This is the one-way edge that lets the file manager resync without
// the git store importing it.
func (s *Store) SetOnFilesChangedCallback(fn func()) {
	s.onFilesChanged = fn
}

// Init is idempotent; the schema is applied by the store package, so
// initialization only verifies the database is reachable.
func (s *Store) Init() error {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM git_refs`).Scan(&n); err != nil {
		return fmt.Errorf("initializing git store: %w", err)
	}
	return nil
}

// Head returns the current HEAD commit oid, or "" when no commit
// exists yet.
func (s *Store) Head() (string, error) {
	return s.ref(headRef)
}

func (s *Store) ref(name string) (string, error) {
	var oid string
	err := s.db.QueryRow(`SELECT oid FROM git_refs WHERE name = ?`, name).Scan(&oid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading ref %s: %w", name, err)
	}
	return oid, nil
}

// Stage writes blobs for the given files and records them in the
// staging area without committing.
func (s *Store) Stage(files []File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stageLocked(files)
}

func (s *Store) stageLocked(files []File) error {
	for _, f := range files {
		if f.Delete {
			if _, err := s.db.Exec(`
				INSERT INTO git_staging (path, oid) VALUES (?, '')
				ON CONFLICT(path) DO UPDATE SET oid = ''
			`, f.Path); err != nil {
				return fmt.Errorf("staging deletion of %s: %w", f.Path, err)
			}
			continue
		}
		oid, err := s.writeBlob(f.Contents)
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(`
			INSERT INTO git_staging (path, oid) VALUES (?, ?)
			ON CONFLICT(path) DO UPDATE SET oid = excluded.oid
		`, f.Path, oid); err != nil {
			return fmt.Errorf("staging %s: %w", f.Path, err)
		}
	}
	return nil
}

// Commit stages files (when given) and commits the staging area on
// top of HEAD. An empty files slice commits whatever is already
// staged. When the resulting tree is identical to HEAD, no commit is
// created and the HEAD oid is returned unchanged.
func (s *Store) Commit(files []File, message string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(files) > 0 {
		if err := s.stageLocked(files); err != nil {
			return "", err
		}
	}

	head, err := s.ref(headRef)
	if err != nil {
		return "", err
	}
	tree, err := s.treeAt(head)
	if err != nil {
		return "", err
	}

	staged, err := s.staged()
	if err != nil {
		return "", err
	}
	changed := false
	for path, oid := range staged {
		if oid == "" {
			if _, present := tree[path]; present {
				delete(tree, path)
				changed = true
			}
			continue
		}
		if tree[path] != oid {
			tree[path] = oid
			changed = true
		}
	}

	if !changed {
		// No-op commit: clear staging, keep history linear.
		if _, err := s.db.Exec(`DELETE FROM git_staging`); err != nil {
			return "", fmt.Errorf("clearing staging: %w", err)
		}
		return head, nil
	}

	now := time.Now().UTC()
	treeJSON, err := marshalTree(tree)
	if err != nil {
		return "", err
	}
	oid := commitOID(head, message, treeJSON, now)

	if _, err := s.db.Exec(`
		INSERT INTO git_commits (oid, parent, message, author, created_at, tree)
		VALUES (?, ?, ?, ?, ?, ?)
	`, oid, head, message, defaultAuthor, now, treeJSON); err != nil {
		return "", fmt.Errorf("writing commit: %w", err)
	}
	if err := s.setRef(headRef, oid); err != nil {
		return "", err
	}
	if _, err := s.db.Exec(`DELETE FROM git_staging`); err != nil {
		return "", fmt.Errorf("clearing staging: %w", err)
	}

	s.notify()
	return oid, nil
}

// Log returns up to limit commits, newest first. limit <= 0 returns
// the whole history.
func (s *Store) Log(limit int) ([]CommitInfo, error) {
	head, err := s.ref(headRef)
	if err != nil {
		return nil, err
	}
	var out []CommitInfo
	for oid := head; oid != ""; {
		info, parent, _, err := s.commit(oid)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
		if limit > 0 && len(out) >= limit {
			break
		}
		oid = parent
	}
	return out, nil
}

// Show returns commit metadata and its file list. With includeDiff,
// per-file unified diffs against the parent commit are attached.
func (s *Store) Show(oid string, includeDiff bool) (*CommitDetail, error) {
	info, parent, tree, err := s.commit(oid)
	if err != nil {
		return nil, err
	}
	detail := &CommitDetail{CommitInfo: info, Files: sortedPaths(tree)}
	if !includeDiff {
		return detail, nil
	}

	parentTree := map[string]string{}
	if parent != "" {
		_, _, parentTree, err = s.commit(parent)
		if err != nil {
			return nil, err
		}
	}

	detail.Diffs = make(map[string]string)
	for path, blobOID := range tree {
		if parentTree[path] == blobOID {
			continue
		}
		before := ""
		if parentOID, ok := parentTree[path]; ok {
			before, err = s.blob(parentOID)
			if err != nil {
				return nil, err
			}
		}
		after, err := s.blob(blobOID)
		if err != nil {
			return nil, err
		}
		detail.Diffs[path] = UnifiedDiff(path, before, after)
	}
	for path, parentOID := range parentTree {
		if _, stillThere := tree[path]; stillThere {
			continue
		}
		before, err := s.blob(parentOID)
		if err != nil {
			return nil, err
		}
		detail.Diffs[path] = UnifiedDiff(path, before, "")
	}
	return detail, nil
}

// Reset moves HEAD to the given commit. With hard=true the working
// tree (the file manager's view) is rewritten via the change
// callback. Destructive: commits after oid become unreachable.
func (s *Store) Reset(oid string, hard bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, _, _, err := s.commit(oid); err != nil {
		return err
	}
	if err := s.setRef(headRef, oid); err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM git_staging`); err != nil {
		return fmt.Errorf("clearing staging: %w", err)
	}
	if hard {
		s.notify()
	}
	return nil
}

// GetAllFilesFromHead enumerates path -> contents at HEAD.
func (s *Store) GetAllFilesFromHead() (map[string]string, error) {
	head, err := s.ref(headRef)
	if err != nil {
		return nil, err
	}
	tree, err := s.treeAt(head)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(tree))
	for path, oid := range tree {
		contents, err := s.blob(oid)
		if err != nil {
			return nil, err
		}
		out[path] = contents
	}
	return out, nil
}

// ExportObjects flattens HEAD into path/bytes pairs for pushing to an
// external remote.
func (s *Store) ExportObjects() ([]ExportedObject, error) {
	files, err := s.GetAllFilesFromHead()
	if err != nil {
		return nil, err
	}
	out := make([]ExportedObject, 0, len(files))
	for _, path := range sortedKeys(files) {
		out = append(out, ExportedObject{Path: path, Bytes: []byte(files[path])})
	}
	return out, nil
}

func (s *Store) notify() {
	if s.onFilesChanged != nil {
		s.onFilesChanged()
	}
}

func (s *Store) setRef(name, oid string) error {
	_, err := s.db.Exec(`
		INSERT INTO git_refs (name, oid) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET oid = excluded.oid
	`, name, oid)
	if err != nil {
		return fmt.Errorf("updating ref %s: %w", name, err)
	}
	return nil
}

func (s *Store) writeBlob(contents string) (string, error) {
	oid := blobOID(contents)
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO git_objects (oid, kind, data) VALUES (?, 'blob', ?)
	`, oid, []byte(contents))
	if err != nil {
		return "", fmt.Errorf("writing blob: %w", err)
	}
	return oid, nil
}

func (s *Store) blob(oid string) (string, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM git_objects WHERE oid = ? AND kind = 'blob'`, oid).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("blob %s: %w", oid, types.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading blob: %w", err)
	}
	return string(data), nil
}

func (s *Store) commit(oid string) (CommitInfo, string, map[string]string, error) {
	var (
		parent  sql.NullString
		message string
		author  string
		created time.Time
		treeRaw string
	)
	err := s.db.QueryRow(`
		SELECT parent, message, author, created_at, tree FROM git_commits WHERE oid = ?
	`, oid).Scan(&parent, &message, &author, &created, &treeRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return CommitInfo{}, "", nil, fmt.Errorf("commit %s: %w", oid, types.ErrNotFound)
	}
	if err != nil {
		return CommitInfo{}, "", nil, fmt.Errorf("reading commit: %w", err)
	}
	tree := map[string]string{}
	if err := json.Unmarshal([]byte(treeRaw), &tree); err != nil {
		return CommitInfo{}, "", nil, fmt.Errorf("decoding tree: %w", err)
	}
	info := CommitInfo{OID: oid, Message: message, Timestamp: created, Author: author}
	return info, parent.String, tree, nil
}

func (s *Store) treeAt(oid string) (map[string]string, error) {
	if oid == "" {
		return map[string]string{}, nil
	}
	_, _, tree, err := s.commit(oid)
	return tree, err
}

func (s *Store) staged() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT path, oid FROM git_staging`)
	if err != nil {
		return nil, fmt.Errorf("reading staging: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := map[string]string{}
	for rows.Next() {
		var path, oid string
		if err := rows.Scan(&path, &oid); err != nil {
			return nil, err
		}
		out[path] = oid
	}
	return out, rows.Err()
}

func blobOID(contents string) string {
	sum := sha256.Sum256([]byte(contents))
	return hex.EncodeToString(sum[:])
}

func commitOID(parent, message, treeJSON string, ts time.Time) string {
	sum := sha256.Sum256([]byte(parent + "\x00" + message + "\x00" + treeJSON + "\x00" + ts.Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}

func marshalTree(tree map[string]string) (string, error) {
	data, err := json.Marshal(tree)
	if err != nil {
		return "", fmt.Errorf("encoding tree: %w", err)
	}
	return string(data), nil
}

// UnifiedDiff renders a unified diff between two file versions.
func UnifiedDiff(path, before, after string) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return diff
}

func sortedPaths(tree map[string]string) []string {
	out := make([]string, 0, len(tree))
	for p := range tree {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Describe summarizes a commit in one line for human-facing tool
// output: short oid, first message line, and timestamp.
func Describe(info CommitInfo) string {
	msg := strings.SplitN(info.Message, "\n", 2)[0]
	return fmt.Sprintf("%s %s (%s)", info.OID[:8], msg, info.Timestamp.Format(time.RFC3339))
}
