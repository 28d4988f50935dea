package wal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/as4-engine/pkg/mpc"
	"github.com/sirosfoundation/as4-engine/pkg/pmode"
	"github.com/sirosfoundation/as4-engine/pkg/reliability"
)

func open(t *testing.T, dir string, compactAfter int) *Store {
	t.Helper()
	s, err := Open(Config{Dir: dir, CompactAfter: compactAfter})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newPMode(t *testing.T, id, action string) *pmode.PMode {
	t.Helper()
	p, err := pmode.New(id, pmode.WithLeg1(&pmode.Leg{
		BusinessInfo: &pmode.BusinessInfo{Service: "urn:svc", Action: action},
	}))
	require.NoError(t, err)
	return p
}

func TestStore_PModesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	w := open(t, dir, -1)
	store := pmode.NewMemoryStore(pmode.WithJournal(w))
	require.NoError(t, store.Create(ctx, newPMode(t, "p1", "a1")))
	require.NoError(t, store.Create(ctx, newPMode(t, "p2", "a2")))
	require.NoError(t, store.Create(ctx, newPMode(t, "p3", "a3")))
	_, err := store.Delete(ctx, "p2")
	require.NoError(t, err)
	_, err = store.MarkDeleted(ctx, "p3")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w2 := open(t, dir, -1)
	replayed, err := w2.PModes()
	require.NoError(t, err)
	require.Len(t, replayed, 2)
	assert.Equal(t, "p1", replayed[0].ID)
	assert.Equal(t, "a1", replayed[0].Action())
	assert.Equal(t, "p3", replayed[1].ID)
	assert.False(t, replayed[1].DeletedAt.IsZero(), "soft delete is persisted")

	restored := pmode.NewMemoryStore(pmode.WithRecords(replayed...), pmode.WithJournal(w2))
	p, err := restored.FindByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "urn:svc", p.Service())
	_, err = restored.FindByID(ctx, "p3")
	assert.ErrorIs(t, err, pmode.ErrNotFound)
}

func TestStore_MPCsAndDuplicates(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	w := open(t, dir, -1)

	mgr := mpc.NewManager(mpc.WithJournal(w))
	_, err := mgr.Create("urn:mpc:orders")
	require.NoError(t, err)

	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	clock := now
	dups := reliability.NewMemoryDuplicateStore(
		reliability.WithDuplicateJournal(w),
		reliability.WithDuplicateClock(func() time.Time { return clock }),
	)
	for _, id := range []string{"m1", "m2"} {
		isNew, err := dups.RecordIfNew(ctx, id)
		require.NoError(t, err)
		require.True(t, isNew)
	}
	clock = now.Add(time.Minute)
	isNew, err := dups.RecordIfNew(ctx, "m3")
	require.NoError(t, err)
	require.True(t, isNew)

	evicted, err := dups.EvictBefore(ctx, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2"}, evicted)
	require.NoError(t, w.Close())

	w2 := open(t, dir, -1)
	mpcs, err := w2.MPCs()
	require.NoError(t, err)
	var ids []string
	for _, m := range mpcs {
		ids = append(ids, m.ID)
	}
	assert.Contains(t, ids, "urn:mpc:orders")

	items, err := w2.Duplicates()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "m3", items[0].MessageID)
	assert.True(t, items[0].FirstSeen.Equal(now.Add(time.Minute)))

	restored := reliability.NewMemoryDuplicateStore(reliability.WithDuplicateRecords(items...))
	isNew, err = restored.RecordIfNew(ctx, "m3")
	require.NoError(t, err)
	assert.False(t, isNew)
}

func TestStore_Compaction(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	w := open(t, dir, 4)
	store := pmode.NewMemoryStore(pmode.WithJournal(w))

	require.NoError(t, store.Create(ctx, newPMode(t, "p1", "a1")))
	require.NoError(t, store.Create(ctx, newPMode(t, "p2", "a2")))
	_, err := store.Delete(ctx, "p1")
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, newPMode(t, "p3", "a3")))

	info, err := os.Stat(filepath.Join(dir, TablePModes+".wal"))
	require.NoError(t, err)
	assert.Zero(t, info.Size(), "log truncated after compaction")
	_, err = os.Stat(filepath.Join(dir, TablePModes+".snapshot"))
	require.NoError(t, err)

	require.NoError(t, store.Create(ctx, newPMode(t, "p4", "a4")))
	require.NoError(t, w.Close())

	w2 := open(t, dir, 4)
	replayed, err := w2.PModes()
	require.NoError(t, err)
	var ids []string
	for _, p := range replayed {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"p2", "p3", "p4"}, ids)
}

func TestStore_ExplicitCompact(t *testing.T) {
	dir := t.TempDir()
	w := open(t, dir, -1)
	require.NoError(t, w.PutDuplicate(&reliability.DuplicateItem{MessageID: "m1", FirstSeen: time.Now()}))
	require.NoError(t, w.Compact())
	require.NoError(t, w.Close())

	assert.ErrorIs(t, w.PutDuplicate(&reliability.DuplicateItem{MessageID: "m2", FirstSeen: time.Now()}), ErrClosed)
	assert.ErrorIs(t, w.Compact(), ErrClosed)

	w2 := open(t, dir, -1)
	items, err := w2.Duplicates()
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestStore_DiscardsTornTail(t *testing.T) {
	dir := t.TempDir()
	w := open(t, dir, -1)
	require.NoError(t, w.PutDuplicate(&reliability.DuplicateItem{MessageID: "m1", FirstSeen: time.Now()}))
	require.NoError(t, w.Close())

	path := filepath.Join(dir, TableDuplicates+".wal")
	before, err := os.ReadFile(path)
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("120\n<Put id=\"m2\"><Dupl")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2 := open(t, dir, -1)
	items, err := w2.Duplicates()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "m1", items[0].MessageID)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "torn record cut off")

	require.NoError(t, w2.PutDuplicate(&reliability.DuplicateItem{MessageID: "m3", FirstSeen: time.Now()}))
	require.NoError(t, w2.Close())
	w3 := open(t, dir, -1)
	items, err = w3.Duplicates()
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

// faultyLog writes part of the first batch and fails, or fails the sync.
type faultyLog struct {
	logFile
	failSync bool
}

func (f *faultyLog) Write(p []byte) (int, error) {
	if f.failSync {
		return f.logFile.Write(p)
	}
	n, _ := f.logFile.Write(p[:len(p)/2])
	return n, errors.New("disk full")
}

func (f *faultyLog) Sync() error {
	if f.failSync {
		f.failSync = false
		return errors.New("io error")
	}
	return f.logFile.Sync()
}

func TestStore_FailedAppendIsRolledBack(t *testing.T) {
	for _, failSync := range []bool{false, true} {
		dir := t.TempDir()
		w := open(t, dir, -1)
		require.NoError(t, w.PutDuplicate(&reliability.DuplicateItem{MessageID: "m1", FirstSeen: time.Now()}))

		tbl := w.tables[TableDuplicates]
		orig := tbl.file
		tbl.file = &faultyLog{logFile: orig, failSync: failSync}
		err := w.PutDuplicate(&reliability.DuplicateItem{MessageID: "m2", FirstSeen: time.Now()})
		require.Error(t, err)
		tbl.file = orig

		require.NoError(t, w.PutDuplicate(&reliability.DuplicateItem{MessageID: "m3", FirstSeen: time.Now()}))
		require.NoError(t, w.Close())

		w2 := open(t, dir, -1)
		items, err := w2.Duplicates()
		require.NoError(t, err)
		require.Len(t, items, 2, "failSync=%v", failSync)
		assert.Equal(t, "m1", items[0].MessageID)
		assert.Equal(t, "m3", items[1].MessageID)
	}
}

type stuckLog struct{ logFile }

func (stuckLog) Write([]byte) (int, error) { return 0, errors.New("disk full") }
func (stuckLog) Truncate(int64) error      { return errors.New("read-only file system") }

func TestStore_UnrecoverableAppendStopsTable(t *testing.T) {
	w := open(t, t.TempDir(), -1)
	tbl := w.tables[TableDuplicates]
	orig := tbl.file
	tbl.file = stuckLog{orig}

	err := w.PutDuplicate(&reliability.DuplicateItem{MessageID: "m1", FirstSeen: time.Now()})
	require.ErrorContains(t, err, "disk full")

	tbl.file = orig
	err = w.PutDuplicate(&reliability.DuplicateItem{MessageID: "m2", FirstSeen: time.Now()})
	assert.ErrorContains(t, err, "unusable")

	require.NoError(t, w.PutMPC(&mpc.MPC{ID: "urn:mpc:other"}), "other tables are unaffected")
}

func TestStore_CorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, TableMPCs+".snapshot"), []byte("5\n<Put/\n"), 0o600))
	_, err := Open(Config{Dir: dir})
	assert.Error(t, err)
}

func TestOpen_RequiresDir(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}
