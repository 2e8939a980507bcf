// Package workspace implements the Workspace Manager (C3): a per-agent
// working directory, snapshot-on-publish filesystem layer, and a read-only
// composite view of every other agent's latest snapshot.
//
// Grounded structurally on run/inmem.Store's copy-on-read/copy-on-write
// discipline (deep-copy before handing data to a caller, deep-copy before
// storing data from a caller) — applied here to directory trees instead of
// in-memory structs, since no repo in the pack ships a workspace-snapshot
// filesystem library. This is one of the module's few standard-library-only
// corners; see DESIGN.md.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/massgen-ai/coordination-core/tools"
)

// ErrReadBeforeDelete is returned when an agent attempts to delete a path it
// neither created nor has previously read during the session.
var ErrReadBeforeDelete = errors.New("workspace: path may not be deleted before being created or read by this agent")

// Op enumerates the filesystem operations an agent's external tools may
// request, for policy enforcement in Manager.Check.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpDelete
)

// agentTracker records, per agent, which paths it has created or read
// during the session — the bookkeeping behind the read-before-delete rule.
// A per-agent set, not a single global registry, matching the spec's own
// redesign note that this must not be shared mutable state across agents.
type agentTracker struct {
	created map[string]struct{}
	read    map[string]struct{}
}

func newAgentTracker() *agentTracker {
	return &agentTracker{created: make(map[string]struct{}), read: make(map[string]struct{})}
}

// Manager implements the three-directory-per-agent model: work/<agent>,
// snapshots/<snapshot_id>/, and shared_view/<agent>/.
type Manager struct {
	root string

	mu       sync.Mutex
	trackers map[string]*agentTracker
	// latestSnapshot records each agent's most recently published snapshot
	// directory name, for refreshing other agents' shared views.
	latestSnapshot map[string]string
}

// NewManager roots a Workspace Manager at dir, creating work/, snapshots/,
// and shared_view/ if they do not already exist.
func NewManager(dir string) (*Manager, error) {
	m := &Manager{
		root:           dir,
		trackers:       make(map[string]*agentTracker),
		latestSnapshot: make(map[string]string),
	}
	for _, sub := range []string{"work", "snapshots", "shared_view"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("workspace: create %s: %w", sub, err)
		}
	}
	return m, nil
}

func (m *Manager) tracker(agent string) *agentTracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trackers[agent]
	if !ok {
		t = newAgentTracker()
		m.trackers[agent] = t
	}
	return t
}

// Prepare returns the root path of agent's writable working directory,
// creating it fresh if this is the agent's first turn, or returning the
// existing one unchanged if the session has already started it.
func (m *Manager) Prepare(agent string) (string, error) {
	dir := filepath.Join(m.root, "work", agent)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("workspace: prepare %s: %w", agent, err)
	}
	t := m.tracker(agent)
	m.mu.Lock()
	t.created[dir] = struct{}{}
	m.mu.Unlock()
	return dir, nil
}

// Snapshot makes an atomic, durable copy of work/<agent> into a freshly
// named snapshots/<snapshot_id>/ directory and returns the snapshot ID. The
// copy is built in a hidden sibling directory and only renamed into its
// final, visible name once every file has been written, so a concurrent
// RefreshSharedView can never observe a partial copy: rename within the
// same filesystem is atomic.
func (m *Manager) Snapshot(agent string) (string, error) {
	snapshotID := uuid.NewString()
	workDir := filepath.Join(m.root, "work", agent)
	finalDir := filepath.Join(m.root, "snapshots", snapshotID)
	stagingDir := filepath.Join(m.root, "snapshots", "."+snapshotID+".staging")

	if err := copyTree(workDir, stagingDir); err != nil {
		os.RemoveAll(stagingDir)
		return "", fmt.Errorf("workspace: snapshot %s: %w", agent, err)
	}
	if err := os.Rename(stagingDir, finalDir); err != nil {
		os.RemoveAll(stagingDir)
		return "", fmt.Errorf("workspace: snapshot %s: publish: %w", agent, err)
	}

	m.mu.Lock()
	m.latestSnapshot[agent] = snapshotID
	m.mu.Unlock()
	return snapshotID, nil
}

// RefreshSharedView points each sub-path of shared_view/<agent>/ at the most
// recent snapshot of every other agent currently known to the manager. Each
// sub-path is updated atomically (symlink-and-rename), independent of the
// others, so one agent's stale entry never blocks another's refresh.
func (m *Manager) RefreshSharedView(agent string) error {
	m.mu.Lock()
	others := make(map[string]string, len(m.latestSnapshot))
	for other, snap := range m.latestSnapshot {
		if other != agent {
			others[other] = snap
		}
	}
	m.mu.Unlock()

	viewDir := filepath.Join(m.root, "shared_view", agent)
	if err := os.MkdirAll(viewDir, 0o755); err != nil {
		return fmt.Errorf("workspace: refresh shared view for %s: %w", agent, err)
	}

	for other, snapshotID := range others {
		target := filepath.Join(m.root, "snapshots", snapshotID)
		link := filepath.Join(viewDir, other)
		staging := filepath.Join(viewDir, "."+other+".staging")

		os.Remove(staging)
		if err := os.Symlink(target, staging); err != nil {
			return fmt.Errorf("workspace: refresh shared view for %s: link %s: %w", agent, other, err)
		}
		if err := os.Rename(staging, link); err != nil {
			os.Remove(staging)
			return fmt.Errorf("workspace: refresh shared view for %s: publish %s: %w", agent, other, err)
		}
	}
	return nil
}

// PublishFinal copies agent's current working directory into final/<label>/
// (§6's persisted state layout: "final/<winner_label>/ # winner's final
// workspace snapshot"). It is built fresh from work/<agent> rather than from
// a prior Snapshot call, since the winner's final-presentation turn may
// still write to its workspace after the winning answer's own snapshot was
// taken. Uses the same stage-then-rename publication as Snapshot.
func (m *Manager) PublishFinal(agent, label string) error {
	finalRoot := filepath.Join(m.root, "final")
	if err := os.MkdirAll(finalRoot, 0o755); err != nil {
		return fmt.Errorf("workspace: publish final %s: %w", label, err)
	}

	workDir := filepath.Join(m.root, "work", agent)
	finalDir := filepath.Join(finalRoot, label)
	stagingDir := filepath.Join(finalRoot, "."+label+".staging")

	if err := copyTree(workDir, stagingDir); err != nil {
		os.RemoveAll(stagingDir)
		return fmt.Errorf("workspace: publish final %s: %w", label, err)
	}
	if err := os.Rename(stagingDir, finalDir); err != nil {
		os.RemoveAll(stagingDir)
		return fmt.Errorf("workspace: publish final %s: publish: %w", label, err)
	}
	return nil
}

// RecordCreated marks path as created by agent within this session, making
// it eligible for later deletion under the read-before-delete policy.
func (m *Manager) RecordCreated(agent, path string) {
	t := m.tracker(agent)
	m.mu.Lock()
	t.created[path] = struct{}{}
	m.mu.Unlock()
}

// RecordRead marks path as read by agent within this session.
func (m *Manager) RecordRead(agent, path string) {
	t := m.tracker(agent)
	m.mu.Lock()
	t.read[path] = struct{}{}
	m.mu.Unlock()
}

// Check enforces the read-before-delete policy for op against path on
// behalf of agent. Reads and writes are always permitted (and are recorded
// as a side effect, via RecordRead for OpRead); deletes require the path to
// have been previously created or read by the same agent.
func (m *Manager) Check(agent string, op Op, path string) error {
	switch op {
	case OpRead:
		m.RecordRead(agent, path)
		return nil
	case OpWrite:
		m.RecordCreated(agent, path)
		return nil
	case OpDelete:
		t := m.tracker(agent)
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, created := t.created[path]; created {
			return nil
		}
		if _, read := t.read[path]; read {
			return nil
		}
		return fmt.Errorf("%w: %s has not been created or read by %s", ErrReadBeforeDelete, path, agent)
	default:
		return fmt.Errorf("workspace: unknown op %d", op)
	}
}

// copyTree recursively copies src to dst, preserving the directory
// structure and regular-file contents. dst must not already exist; copyTree
// creates it and everything beneath it.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if d.Type()&fs.ModeSymlink != 0 {
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(linkTarget, target)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := copyBuffered(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// GCSnapshots removes every snapshot directory not named in liveIDs, for a
// caller to run at session end with the snapshot IDs still referenced by a
// live Answer (per §3's "garbage-collected when no live Answer references
// them and the session ends"). The Orchestrator does not call it.
func (m *Manager) GCSnapshots(liveIDs map[string]struct{}) error {
	snapshotsDir := filepath.Join(m.root, "snapshots")
	entries, err := os.ReadDir(snapshotsDir)
	if err != nil {
		return fmt.Errorf("workspace: gc snapshots: %w", err)
	}
	for _, e := range entries {
		if _, live := liveIDs[e.Name()]; live {
			continue
		}
		if err := os.RemoveAll(filepath.Join(snapshotsDir, e.Name())); err != nil {
			return fmt.Errorf("workspace: gc snapshot %s: %w", e.Name(), err)
		}
	}
	return nil
}

// ToolSnapshotter adapts a Manager to tools.Snapshotter, the narrow
// interface the Tool Router needs to snapshot an agent's workspace before
// recording a new_answer call. A separate adapter type (rather than Manager
// implementing the interface directly) keeps Manager's own API in plain
// strings, usable by callers that have no reason to depend on the tools
// package.
type ToolSnapshotter struct{ m *Manager }

// NewToolSnapshotter wraps m for use as a tools.Snapshotter.
func NewToolSnapshotter(m *Manager) ToolSnapshotter { return ToolSnapshotter{m: m} }

// Snapshot implements tools.Snapshotter.
func (s ToolSnapshotter) Snapshot(_ context.Context, agent tools.AgentID) (string, error) {
	return s.m.Snapshot(string(agent))
}

func copyBuffered(dst *os.File, src *os.File) (int64, error) {
	buf := make([]byte, 64*1024)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, rerr
		}
	}
}
