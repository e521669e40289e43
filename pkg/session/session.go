// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package session implements the append-only, tree-structured session log.
//
// A session is a JSONL file: one protocol.Entry per line, parents always
// preceding children. The file is the source of truth; an in-memory index
// maps id -> entry and parent -> children. The active leaf lives in a
// sidecar file next to the log so branch navigation never rewrites history.
package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/sidekick/pkg/protocol"
)

// ErrDetachedParent is returned by Append when the entry's parent id does
// not resolve to a known entry.
var ErrDetachedParent = errors.New("detached parent")

// ErrUnknownEntry is returned when an entry id does not exist in the log.
var ErrUnknownEntry = errors.New("unknown entry")

const (
	fileExt  = ".jsonl"
	leafExt  = ".leaf"
	filePerm = 0o644

	// maxEntryBytes caps a single session line during load.
	maxEntryBytes = 10 << 20
)

// Session is a single conversation log. All mutation goes through Append
// and SetLeaf; entries are immutable once written.
type Session struct {
	mu       sync.RWMutex
	id       string
	path     string
	file     *os.File
	entries  map[string]protocol.Entry
	children map[string][]string
	order    []string // ids in file order
	leafID   string
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Path returns the path of the session file.
func (s *Session) Path() string { return s.path }

// LeafID returns the id of the active branch terminator, or "" for an
// empty session.
func (s *Session) LeafID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leafID
}

// Len returns the number of entries in the whole log, all branches.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func create(id, path string) (*Session, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to create session file: %w", err)
	}
	return &Session{
		id:       id,
		path:     path,
		file:     f,
		entries:  make(map[string]protocol.Entry),
		children: make(map[string][]string),
	}, nil
}

// open loads an existing session file. Malformed lines are skipped with a
// diagnostic; a truncated final line (crash mid-append) is discarded the
// same way.
func open(id, path string) (*Session, error) {
	s := &Session{
		id:       id,
		path:     path,
		entries:  make(map[string]protocol.Entry),
		children: make(map[string][]string),
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxEntryBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e protocol.Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			slog.Warn("Skipping malformed session line", "session", id, "line", lineNo, "error", err)
			continue
		}
		if e.ID == "" {
			slog.Warn("Skipping session line without id", "session", id, "line", lineNo)
			continue
		}
		if e.ParentID != nil {
			if _, ok := s.entries[*e.ParentID]; !ok {
				slog.Warn("Skipping entry with unresolved parent", "session", id, "entry", e.ID, "parent", *e.ParentID)
				continue
			}
		}
		s.index(e)
	}
	cerr := scanner.Err()
	f.Close()
	if cerr != nil {
		return nil, fmt.Errorf("failed to read session file: %w", cerr)
	}

	s.file, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to reopen session file: %w", err)
	}

	s.leafID = s.loadLeafPointer()
	return s, nil
}

// index records e and advances the leaf when e extends the current branch.
// Caller holds the write lock or is single-threaded during load.
func (s *Session) index(e protocol.Entry) {
	s.entries[e.ID] = e
	s.order = append(s.order, e.ID)
	if e.ParentID != nil {
		s.children[*e.ParentID] = append(s.children[*e.ParentID], e.ID)
	}
	if s.leafID == "" || (e.ParentID != nil && *e.ParentID == s.leafID) {
		s.leafID = e.ID
	}
}

func (s *Session) leafPath() string {
	return strings.TrimSuffix(s.path, fileExt) + leafExt
}

func (s *Session) loadLeafPointer() string {
	data, err := os.ReadFile(s.leafPath())
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, ok := s.entries[id]; ok {
			return id
		}
		if id != "" {
			slog.Warn("Leaf pointer references unknown entry, falling back to tail", "session", s.id, "leaf", id)
		}
	}
	return s.leafID
}

// writeLeafPointer persists the sidecar atomically (temp + rename).
func (s *Session) writeLeafPointer(id string) error {
	tmp := s.leafPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), filePerm); err != nil {
		return err
	}
	return os.Rename(tmp, s.leafPath())
}

// Append validates, persists, and indexes one entry. ID and Timestamp are
// filled in when empty; a nil ParentID resolves to the current leaf. The
// leaf advances only when the entry extends it.
func (s *Session) Append(e protocol.Entry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = protocol.NewID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.ParentID == nil && s.leafID != "" {
		pid := s.leafID
		e.ParentID = &pid
	}
	if e.ParentID != nil {
		if _, ok := s.entries[*e.ParentID]; !ok {
			return "", fmt.Errorf("%w: %s", ErrDetachedParent, *e.ParentID)
		}
	}
	if _, ok := s.entries[e.ID]; ok {
		return "", fmt.Errorf("duplicate entry id %s", e.ID)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to encode entry: %w", err)
	}
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return "", fmt.Errorf("failed to append entry: %w", err)
	}

	prevLeaf := s.leafID
	s.index(e)
	if s.leafID != prevLeaf {
		if err := s.writeLeafPointer(s.leafID); err != nil {
			slog.Warn("Failed to persist leaf pointer", "session", s.id, "error", err)
		}
	}
	return e.ID, nil
}

// AppendMessage appends a message entry under the current leaf.
func (s *Session) AppendMessage(msg protocol.MessageEntry) (string, error) {
	return s.Append(protocol.Entry{Type: protocol.EntryTypeMessage, Message: &msg})
}

// SetLeaf moves the active branch terminator. The target must exist; the
// log file is not touched.
func (s *Session) SetLeaf(entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entryID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, entryID)
	}
	s.leafID = entryID
	if err := s.writeLeafPointer(entryID); err != nil {
		slog.Warn("Failed to persist leaf pointer", "session", s.id, "error", err)
	}
	return nil
}

// Entry returns a single entry by id.
func (s *Session) Entry(id string) (protocol.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *Session) branchLocked(leafID string) ([]protocol.Entry, error) {
	var rev []protocol.Entry
	cur := leafID
	for cur != "" {
		e, ok := s.entries[cur]
		if !ok {
			return nil, fmt.Errorf("%w: broken parent link at %s", ErrUnknownEntry, cur)
		}
		rev = append(rev, e)
		if e.ParentID == nil {
			break
		}
		cur = *e.ParentID
	}
	out := make([]protocol.Entry, len(rev))
	for i, e := range rev {
		out[len(rev)-1-i] = e
	}
	return out, nil
}

// Branch returns the entries from root to leafID in order, without
// compaction collapse. Use Materialize for the LLM-facing view.
func (s *Session) Branch(leafID string) ([]protocol.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if leafID == "" {
		return nil, nil
	}
	return s.branchLocked(leafID)
}

// ActiveBranch returns the entries of the active branch.
func (s *Session) ActiveBranch() ([]protocol.Entry, error) {
	return s.Branch(s.LeafID())
}

// Materialize returns the branch view sent to the LLM: when the branch
// carries a compaction entry, the prefix before its first kept entry
// collapses into the compaction itself.
func (s *Session) Materialize(leafID string) ([]protocol.Entry, error) {
	full, err := s.Branch(leafID)
	if err != nil {
		return nil, err
	}
	return Collapse(full), nil
}

// Collapse applies the most recent compaction on a branch: everything
// before the compaction's first kept entry is replaced by the compaction
// entry itself.
func Collapse(branch []protocol.Entry) []protocol.Entry {
	idx := -1
	for i := len(branch) - 1; i >= 0; i-- {
		if branch[i].Type == protocol.EntryTypeCompaction {
			idx = i
			break
		}
	}
	if idx < 0 {
		return branch
	}
	compaction := branch[idx]
	firstKept := compaction.Compaction.FirstKeptEntryID

	out := []protocol.Entry{compaction}
	keeping := false
	for _, e := range branch {
		if e.ID == firstKept {
			keeping = true
		}
		if keeping && e.ID != compaction.ID {
			out = append(out, e)
		}
	}
	return out
}

// ForkInto copies the prefix root..atEntryID into dst, keeping entry ids,
// and points dst's leaf at atEntryID. The receiver is never mutated.
func (s *Session) ForkInto(dst *Session, atEntryID string) error {
	prefix, err := s.Branch(atEntryID)
	if err != nil {
		return err
	}
	for _, e := range prefix {
		if _, err := dst.Append(e); err != nil {
			return fmt.Errorf("failed to copy entry %s: %w", e.ID, err)
		}
	}
	return dst.SetLeaf(atEntryID)
}

// Name returns the effective session name: the last session-info entry on
// the active branch, or "".
func (s *Session) Name() string {
	branch, err := s.ActiveBranch()
	if err != nil {
		return ""
	}
	name := ""
	for _, e := range branch {
		if e.Type == protocol.EntryTypeSessionInfo {
			name = e.SessionInfo.Name
		}
	}
	return name
}

// Labels returns the effective entry labels along the active branch.
// Later label-change entries win; a nil label clears.
func (s *Session) Labels() map[string]string {
	branch, err := s.ActiveBranch()
	if err != nil {
		return nil
	}
	labels := make(map[string]string)
	for _, e := range branch {
		if e.Type != protocol.EntryTypeLabelChange {
			continue
		}
		if e.Label.Label == nil {
			delete(labels, e.Label.TargetEntryID)
		} else {
			labels[e.Label.TargetEntryID] = *e.Label.Label
		}
	}
	return labels
}

// EffectiveModel returns the provider/model recorded by the last
// model-change entry on the active branch.
func (s *Session) EffectiveModel() (provider, modelID string) {
	branch, err := s.ActiveBranch()
	if err != nil {
		return "", ""
	}
	for _, e := range branch {
		if e.Type == protocol.EntryTypeModelChange {
			provider, modelID = e.ModelChange.Provider, e.ModelChange.ModelID
		}
	}
	return provider, modelID
}

// EffectiveThinkingLevel returns the last recorded thinking level on the
// active branch, or "".
func (s *Session) EffectiveThinkingLevel() string {
	branch, err := s.ActiveBranch()
	if err != nil {
		return ""
	}
	level := ""
	for _, e := range branch {
		if e.Type == protocol.EntryTypeThinkingLevel {
			level = e.ThinkingLevel.Level
		}
	}
	return level
}

// TreeNode is one node of the hierarchical session view.
type TreeNode struct {
	Entry    protocol.Entry
	Label    string
	Children []TreeNode
}

// Tree returns the whole log as a tree, children ordered by timestamp.
// Tree labels are branch-agnostic: the last write in file order wins.
func (s *Session) Tree() []TreeNode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	labels := make(map[string]string)
	for _, id := range s.order {
		e := s.entries[id]
		if e.Type == protocol.EntryTypeLabelChange {
			if e.Label.Label == nil {
				delete(labels, e.Label.TargetEntryID)
			} else {
				labels[e.Label.TargetEntryID] = *e.Label.Label
			}
		}
	}

	var build func(id string) TreeNode
	build = func(id string) TreeNode {
		e := s.entries[id]
		node := TreeNode{Entry: e, Label: labels[id]}
		kids := append([]string(nil), s.children[id]...)
		sort.Slice(kids, func(i, j int) bool {
			return s.entries[kids[i]].Timestamp.Before(s.entries[kids[j]].Timestamp)
		})
		for _, kid := range kids {
			node.Children = append(node.Children, build(kid))
		}
		return node
	}

	var roots []TreeNode
	for _, id := range s.order {
		if s.entries[id].ParentID == nil {
			roots = append(roots, build(id))
		}
	}
	return roots
}

// Close releases the underlying file handle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

func sessionFilePath(dir, id string) string {
	return filepath.Join(dir, id+fileExt)
}
