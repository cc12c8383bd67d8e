package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/appopsd/appopsd/internal/catalog"
)

func alwaysOwned(uid int, pkg string) (bool, error)     { return true, nil }
func neverOwned(uid int, pkg string) (bool, error)      { return false, nil }
func notPrivileged(uid int, pkg string) (bool, error)   { return false, nil }

func TestGetOpsCreatesOnOwnership(t *testing.T) {
	s := New()
	ops, ok, err := s.GetOps(10042, "a.b", true, alwaysOwned, notPrivileged)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, ops)
	require.Equal(t, "a.b", ops.PackageName)

	// Second fetch returns the same container without re-checking ownership.
	ops2, ok, err := s.GetOps(10042, "a.b", true, neverOwned, notPrivileged)
	require.NoError(t, err)
	require.True(t, ok)
	require.Same(t, ops, ops2)
}

func TestGetOpsRefusesOnOwnershipMismatch(t *testing.T) {
	s := New()
	ops, ok, err := s.GetOps(10042, "a.b", true, neverOwned, notPrivileged)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, ops)

	// A refused creation must leave no trace: no empty UidState for a uid
	// that was never actually seen owning anything.
	_, exists := s.uids[10042]
	require.False(t, exists, "refused GetOps must not leave a dangling UidState behind")
}

func TestGetOpsNoCreateMissing(t *testing.T) {
	s := New()
	ops, ok, err := s.GetOps(10042, "a.b", false, nil, nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, ops)
}

func TestOpModeRoundTrip(t *testing.T) {
	ops := newOps(10042, "a.b", false)
	op, ok := ops.ops[catalog.OpCoarseLocation]
	require.False(t, ok)
	require.Nil(t, op)

	op = newOp(10042, "a.b", catalog.OpCoarseLocation)
	require.False(t, op.HasMode())

	op.SetMode(catalog.IGNORED)
	require.True(t, op.HasMode())
	require.Equal(t, catalog.IGNORED, op.Mode)

	op.ClearMode()
	require.False(t, op.HasMode())
}

func TestOpIsEmpty(t *testing.T) {
	op := newOp(10042, "a.b", catalog.OpCoarseLocation)
	require.True(t, op.isEmpty())

	op.Time = 100
	require.False(t, op.isEmpty())
}

func TestRemoveEmptyContainersCollapsesUidState(t *testing.T) {
	s := New()
	ops, _, err := s.GetOps(10042, "a.b", true, alwaysOwned, notPrivileged)
	require.NoError(t, err)

	op, ok := s.GetOp(ops, catalog.OpCoarseLocation, true)
	require.True(t, ok)
	require.True(t, op.isEmpty())

	s.PruneOpIfEmpty(ops, catalog.OpCoarseLocation)
	require.Len(t, ops.All(), 0)

	s.RemoveEmptyContainers(10042)
	_, ok = s.uids[10042]
	require.False(t, ok)
}

func TestRemoveEmptyContainersKeepsNonEmptyOp(t *testing.T) {
	s := New()
	ops, _, err := s.GetOps(10042, "a.b", true, alwaysOwned, notPrivileged)
	require.NoError(t, err)

	op, _ := s.GetOp(ops, catalog.OpCoarseLocation, true)
	op.SetMode(catalog.IGNORED)

	s.PruneOpIfEmpty(ops, catalog.OpCoarseLocation)
	require.Len(t, ops.All(), 1)
}

func TestRemovePackage(t *testing.T) {
	s := New()
	_, _, err := s.GetOps(10042, "a.b", true, alwaysOwned, notPrivileged)
	require.NoError(t, err)

	require.True(t, s.RemovePackage(10042, "a.b"))
	require.False(t, s.RemovePackage(10042, "a.b"))

	_, ok := s.uids[10042]
	require.False(t, ok)
}

func TestRemoveUid(t *testing.T) {
	s := New()
	_, _, err := s.GetOps(10042, "a.b", true, alwaysOwned, notPrivileged)
	require.NoError(t, err)

	require.True(t, s.RemoveUid(10042))
	require.False(t, s.RemoveUid(10042))
}

func TestUidModeOverlay(t *testing.T) {
	u, _ := New().GetUidState(10042, true)

	_, ok := u.UidMode(catalog.OpCoarseLocation)
	require.False(t, ok)

	u.SetUidMode(catalog.OpCoarseLocation, catalog.ERRORED, true)
	mode, ok := u.UidMode(catalog.OpCoarseLocation)
	require.True(t, ok)
	require.Equal(t, catalog.ERRORED, mode)

	u.SetUidMode(catalog.OpCoarseLocation, 0, false)
	_, ok = u.UidMode(catalog.OpCoarseLocation)
	require.False(t, ok)
}

func TestForEachOps(t *testing.T) {
	s := New()
	_, _, err := s.GetOps(10042, "a.b", true, alwaysOwned, notPrivileged)
	require.NoError(t, err)
	_, _, err = s.GetOps(10042, "a.c", true, alwaysOwned, notPrivileged)
	require.NoError(t, err)
	_, _, err = s.GetOps(99, "x.y", true, alwaysOwned, notPrivileged)
	require.NoError(t, err)

	var names []string
	uid := 10042
	s.ForEachOps(&uid, func(ops *Ops) { names = append(names, ops.PackageName) })
	require.ElementsMatch(t, []string{"a.b", "a.c"}, names)

	var all []string
	s.ForEachOps(nil, func(ops *Ops) { all = append(all, ops.PackageName) })
	require.ElementsMatch(t, []string{"a.b", "a.c", "x.y"}, all)
}
