package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/massgen-ai/coordination-core/tools"
)

func TestPrepareCreatesWorkDirIdempotently(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	dir1, err := m.Prepare("agent1")
	require.NoError(t, err)
	require.DirExists(t, dir1)

	dir2, err := m.Prepare("agent1")
	require.NoError(t, err)
	require.Equal(t, dir1, dir2, "Prepare must return the same directory on repeated calls")
}

func TestSnapshotCopiesWorkDirContents(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	dir, err := m.Prepare("agent1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "answer.txt"), []byte("hello"), 0o644))

	snapshotID, err := m.Snapshot("agent1")
	require.NoError(t, err)
	require.NotEmpty(t, snapshotID)

	copied, err := os.ReadFile(filepath.Join(m.root, "snapshots", snapshotID, "answer.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(copied))
}

func TestSnapshotIsIndependentOfLaterWorkDirChanges(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	dir, err := m.Prepare("agent1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "answer.txt"), []byte("v1"), 0o644))

	snapshotID, err := m.Snapshot("agent1")
	require.NoError(t, err)

	// Mutating the live work dir after the snapshot must not affect it.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "answer.txt"), []byte("v2"), 0o644))

	copied, err := os.ReadFile(filepath.Join(m.root, "snapshots", snapshotID, "answer.txt"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(copied), "snapshot must be frozen at creation")
}

func TestRefreshSharedViewLinksOtherAgentsLatestSnapshots(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	dir1, err := m.Prepare("agent1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir1, "a.txt"), []byte("from agent1"), 0o644))
	snap1, err := m.Snapshot("agent1")
	require.NoError(t, err)

	_, err = m.Prepare("agent2")
	require.NoError(t, err)

	require.NoError(t, m.RefreshSharedView("agent2"))

	linked := filepath.Join(m.root, "shared_view", "agent2", "agent1")
	target, err := os.Readlink(linked)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(m.root, "snapshots", snap1), target)

	// agent1's own shared view must never include itself.
	require.NoError(t, m.RefreshSharedView("agent1"))
	_, err = os.Lstat(filepath.Join(m.root, "shared_view", "agent1", "agent1"))
	require.Error(t, err, "an agent's shared view must not link to its own snapshot")
}

func TestCheckReadOrWriteAlwaysAllowed(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, m.Check("agent1", OpRead, "/work/agent1/notes.txt"))
	require.NoError(t, m.Check("agent1", OpWrite, "/work/agent1/draft.txt"))
}

func TestCheckDeleteRequiresPriorCreateOrRead(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	err = m.Check("agent1", OpDelete, "/work/agent1/untouched.txt")
	require.ErrorIs(t, err, ErrReadBeforeDelete)

	require.NoError(t, m.Check("agent1", OpRead, "/work/agent1/seen.txt"))
	require.NoError(t, m.Check("agent1", OpDelete, "/work/agent1/seen.txt"))

	require.NoError(t, m.Check("agent1", OpWrite, "/work/agent1/made.txt"))
	require.NoError(t, m.Check("agent1", OpDelete, "/work/agent1/made.txt"))
}

func TestCheckDeletePolicyIsPerAgent(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, m.Check("agent1", OpRead, "/work/shared/path.txt"))
	err = m.Check("agent2", OpDelete, "/work/shared/path.txt")
	require.ErrorIs(t, err, ErrReadBeforeDelete, "one agent's read must not grant another agent delete rights")
}

func TestGCSnapshotsRemovesOnlyDeadSnapshots(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	_, err = m.Prepare("agent1")
	require.NoError(t, err)
	liveID, err := m.Snapshot("agent1")
	require.NoError(t, err)
	deadID, err := m.Snapshot("agent1")
	require.NoError(t, err)

	require.NoError(t, m.GCSnapshots(map[string]struct{}{liveID: {}}))

	require.DirExists(t, filepath.Join(m.root, "snapshots", liveID))
	require.NoDirExists(t, filepath.Join(m.root, "snapshots", deadID))
}

func TestPublishFinalCopiesCurrentWorkDirIntoFinalLabel(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	dir, err := m.Prepare("agent1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "final.txt"), []byte("the answer"), 0o644))

	require.NoError(t, m.PublishFinal("agent1", "agent1.2.final"))

	copied, err := os.ReadFile(filepath.Join(m.root, "final", "agent1.2.final", "final.txt"))
	require.NoError(t, err)
	require.Equal(t, "the answer", string(copied))
}

func TestPublishFinalCapturesWritesMadeAfterAnEarlierSnapshot(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	dir, err := m.Prepare("agent1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "draft.txt"), []byte("v1"), 0o644))
	_, err = m.Snapshot("agent1")
	require.NoError(t, err)

	// A write after the answer's own snapshot (e.g. during final
	// presentation) must still show up in the published final directory.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "draft.txt"), []byte("v2"), 0o644))
	require.NoError(t, m.PublishFinal("agent1", "agent1.1.final"))

	copied, err := os.ReadFile(filepath.Join(m.root, "final", "agent1.1.final", "draft.txt"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(copied))
}

func TestToolSnapshotterDelegatesToManager(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	_, err = m.Prepare("agent1")
	require.NoError(t, err)

	snapshotter := NewToolSnapshotter(m)
	snapshotID, err := snapshotter.Snapshot(context.Background(), tools.AgentID("agent1"))
	require.NoError(t, err)
	require.DirExists(t, filepath.Join(m.root, "snapshots", snapshotID))
}
