package lifecycle

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/appopsd/appopsd/internal/catalog"
	"github.com/appopsd/appopsd/internal/engine"
	"github.com/appopsd/appopsd/internal/identity"
	"github.com/appopsd/appopsd/internal/observer"
	"github.com/appopsd/appopsd/internal/persistence"
	"github.com/appopsd/appopsd/internal/restriction"
	"github.com/appopsd/appopsd/internal/store"
)

type fakePlatform struct {
	pkgsByUID map[int][]string
	uidByPkg  map[string]int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{pkgsByUID: map[int][]string{}, uidByPkg: map[string]int{}}
}

func (p *fakePlatform) install(uid int, pkg string) {
	p.pkgsByUID[uid] = append(p.pkgsByUID[uid], pkg)
	p.uidByPkg[pkg] = uid
}

func (p *fakePlatform) PackagesForUID(uid int) ([]string, error) { return p.pkgsByUID[uid], nil }
func (p *fakePlatform) UIDForPackage(pkgName string, userID int) (int, bool, error) {
	uid, ok := p.uidByPkg[pkgName]
	return uid, ok, nil
}
func (p *fakePlatform) IsPrivileged(pkgName string, userID int) (bool, error)       { return false, nil }
func (p *fakePlatform) IsPackageSuspended(pkgName string, userID int) (bool, error) { return false, nil }

func newTestManager(t *testing.T, snapshotPath string) (*Manager, *engine.Engine) {
	t.Helper()
	platform := newFakePlatform()
	platform.install(10042, "a.b")

	st := store.New()
	res := identity.New(platform)
	restrictions := restriction.New()
	audio := restriction.NewAudioTable()
	observers := observer.New()
	scheduler := persistence.NewScheduler(time.Hour, time.Hour, func() error { return nil }, nil)

	eng := engine.New(res, st, restrictions, audio, observers, scheduler, zap.NewNop(), nil)
	return New(eng, st, scheduler, snapshotPath, zap.NewNop(), nil), eng
}

func TestBootMissingSnapshotIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	mgr, _ := newTestManager(t, filepath.Join(dir, "missing.xml"))
	require.NoError(t, mgr.Boot())
}

func TestBootInvalidSnapshotRevertsToEmptyStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.xml")
	require.NoError(t, writeBadXML(path))

	mgr, eng := newTestManager(t, path)
	require.NoError(t, mgr.Boot())

	entries := mgr.OpEntries(10042, "a.b", catalog.OpCamera)
	require.Empty(t, entries)
	_ = eng
}

func TestBootLoadsValidSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "appops.xml")

	seed := store.New()
	ops, _, err := seed.GetOps(10042, "a.b", true, func(int, string) (bool, error) { return true, nil },
		func(int, string) (bool, error) { return false, nil })
	require.NoError(t, err)
	op, _ := seed.GetOp(ops, catalog.OpCamera, true)
	op.SetMode(catalog.IGNORED)
	require.NoError(t, persistence.WriteAtomic(path, persistence.Snapshot(seed)))

	mgr, _ := newTestManager(t, path)
	require.NoError(t, mgr.Boot())

	entries := mgr.OpEntries(10042, "a.b", catalog.OpCamera)
	require.Len(t, entries, 1)
	require.Equal(t, "ignore", entries[0].Mode)
}

func TestSyncDelegatesToScheduler(t *testing.T) {
	dir := t.TempDir()
	mgr, _ := newTestManager(t, filepath.Join(dir, "appops.xml"))
	require.NoError(t, mgr.Sync())
}

func TestReloadReplacesInMemoryState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "appops.xml")
	mgr, eng := newTestManager(t, path)
	require.NoError(t, mgr.Boot())

	_, err := eng.NoteOperation(catalog.OpCamera, 10042, "a.b", nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, mgr.OpEntries(10042, "a.b", catalog.OpCamera))

	require.NoError(t, mgr.Reload())
	require.Empty(t, mgr.OpEntries(10042, "a.b", catalog.OpCamera))
}

func TestPackageRemovedDelegatesToEngine(t *testing.T) {
	dir := t.TempDir()
	mgr, eng := newTestManager(t, filepath.Join(dir, "appops.xml"))
	_, err := eng.NoteOperation(catalog.OpCamera, 10042, "a.b", nil, nil)
	require.NoError(t, err)

	mgr.PackageRemoved(10042, "a.b")
	require.Empty(t, mgr.OpEntries(10042, "a.b", catalog.OpCamera))
}

func TestUidRemovedDelegatesToEngine(t *testing.T) {
	dir := t.TempDir()
	mgr, eng := newTestManager(t, filepath.Join(dir, "appops.xml"))
	_, err := eng.NoteOperation(catalog.OpCamera, 10042, "a.b", nil, nil)
	require.NoError(t, err)

	mgr.UidRemoved(10042)
	require.Empty(t, mgr.OpEntries(10042, "a.b", catalog.OpCamera))
}

func TestTokenDiedReclaimsInProgressOps(t *testing.T) {
	dir := t.TempDir()
	mgr, eng := newTestManager(t, filepath.Join(dir, "appops.xml"))

	mode, err := eng.StartOperation("tok1", catalog.OpRecordAudio, 10042, "a.b")
	require.NoError(t, err)
	require.Equal(t, catalog.ALLOWED, mode)

	entries := mgr.OpEntries(10042, "a.b", catalog.OpRecordAudio)
	require.Len(t, entries, 1)
	require.EqualValues(t, -1, entries[0].Duration)

	mgr.TokenDied("tok1")

	entries = mgr.OpEntries(10042, "a.b", catalog.OpRecordAudio)
	require.Len(t, entries, 1)
	require.NotEqual(t, int64(-1), entries[0].Duration)
}

func TestMountPolicyProviderReflectsEngineState(t *testing.T) {
	dir := t.TempDir()
	mgr, eng := newTestManager(t, filepath.Join(dir, "appops.xml"))
	_ = mgr

	provider := NewMountPolicyProvider(eng)
	policy, err := provider.Policy(10042, "a.b")
	require.NoError(t, err)
	require.Equal(t, engine.MountWrite, policy)
}

func TestQueryOpConvertsMatches(t *testing.T) {
	dir := t.TempDir()
	mgr, eng := newTestManager(t, filepath.Join(dir, "appops.xml"))

	_, err := eng.NoteOperation(catalog.OpCamera, 10042, "a.b", nil, nil)
	require.NoError(t, err)

	matches := mgr.QueryOp(catalog.OpCamera, catalog.ALLOWED)
	require.Len(t, matches, 1)
	require.Equal(t, 10042, matches[0].UID)
	require.Equal(t, "a.b", matches[0].Pkg)
}

func writeBadXML(path string) error {
	return os.WriteFile(path, []byte("<not-well-formed"), 0o600)
}
