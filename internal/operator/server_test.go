package operator

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/appopsd/appopsd/internal/catalog"
)

type fakeEngine struct {
	setErr    error
	lastSet   struct {
		op   catalog.Op
		uid  int
		pkg  string
		mode catalog.Mode
	}
	resetUserID *int
	resetPkg    *string

	restrictErr  error
	lastRestrict struct {
		token      string
		code       catalog.Op
		restricted bool
		userID     int
		exempt     []string
	}

	// resolveUIDs maps pkg to the uid a successful ResolveUID should return.
	// A pkg absent from this map resolves as not-found, matching an
	// uninstalled package.
	resolveUIDs map[string]int
	resolveErr  error
}

func (f *fakeEngine) ResolveUID(pkg string, userID int) (int, bool, error) {
	if f.resolveErr != nil {
		return 0, false, f.resolveErr
	}
	uid, ok := f.resolveUIDs[pkg]
	return uid, ok, nil
}

func (f *fakeEngine) SetMode(op catalog.Op, uid int, pkg string, mode catalog.Mode) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.lastSet.op, f.lastSet.uid, f.lastSet.pkg, f.lastSet.mode = op, uid, pkg, mode
	return nil
}

func (f *fakeEngine) CheckOperation(op catalog.Op, uid int, pkg string) (catalog.Mode, error) {
	return catalog.ALLOWED, nil
}

func (f *fakeEngine) ResetAllModes(userID *int, packageName *string) {
	f.resetUserID = userID
	f.resetPkg = packageName
}

func (f *fakeEngine) SetUserRestriction(ownerToken string, code catalog.Op, restricted bool, userID int, exemptPackages []string) error {
	if f.restrictErr != nil {
		return f.restrictErr
	}
	f.lastRestrict.token = ownerToken
	f.lastRestrict.code = code
	f.lastRestrict.restricted = restricted
	f.lastRestrict.userID = userID
	f.lastRestrict.exempt = exemptPackages
	return nil
}

type fakeInspector struct {
	entries []OpEntry
	matches []UidPkg
}

func (f *fakeInspector) OpEntries(uid int, pkg string, op catalog.Op) []OpEntry { return f.entries }
func (f *fakeInspector) QueryOp(op catalog.Op, mode catalog.Mode) []UidPkg     { return f.matches }

type fakePersistence struct {
	syncErr, reloadErr   error
	syncCalled, reloaded bool
}

func (f *fakePersistence) Sync() error   { f.syncCalled = true; return f.syncErr }
func (f *fakePersistence) Reload() error { f.reloaded = true; return f.reloadErr }

func newTestServer() (*Server, *fakeEngine, *fakeInspector, *fakePersistence) {
	eng := &fakeEngine{resolveUIDs: map[string]int{"a.b": 10042}}
	insp := &fakeInspector{}
	pers := &fakePersistence{}
	s := NewServer("/tmp/unused.sock", eng, insp, pers, 0, 0, zap.NewNop())
	return s, eng, insp, pers
}

func TestDispatchSet(t *testing.T) {
	s, eng, _, _ := newTestServer()
	resp := s.dispatch(Request{Cmd: "set", Pkg: "a.b", Op: "CAMERA", Mode: "ignore"})
	require.True(t, resp.OK)
	require.Equal(t, catalog.OpCamera, eng.lastSet.op)
	require.Equal(t, 10042, eng.lastSet.uid)
	require.Equal(t, catalog.IGNORED, eng.lastSet.mode)
}

func TestDispatchSetMissingPkg(t *testing.T) {
	s, _, _, _ := newTestServer()
	resp := s.dispatch(Request{Cmd: "set", Op: "CAMERA", Mode: "ignore"})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "pkg required")
}

func TestDispatchSetUnknownPkg(t *testing.T) {
	s, _, _, _ := newTestServer()
	resp := s.dispatch(Request{Cmd: "set", Pkg: "no.such.pkg", Op: "CAMERA", Mode: "ignore"})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "no such package")
}

func TestDispatchSetInvalidOp(t *testing.T) {
	s, _, _, _ := newTestServer()
	resp := s.dispatch(Request{Cmd: "set", Pkg: "a.b", Op: "NOT_AN_OP", Mode: "ignore"})
	require.False(t, resp.OK)
}

func TestDispatchSetInvalidMode(t *testing.T) {
	s, _, _, _ := newTestServer()
	resp := s.dispatch(Request{Cmd: "set", Pkg: "a.b", Op: "CAMERA", Mode: "not-a-mode"})
	require.False(t, resp.OK)
}

func TestDispatchGet(t *testing.T) {
	s, _, insp, _ := newTestServer()
	insp.entries = []OpEntry{{Op: "CAMERA", Mode: "allow"}}
	resp := s.dispatch(Request{Cmd: "get", Pkg: "a.b"})
	require.True(t, resp.OK)
	require.Len(t, resp.Entries, 1)
}

func TestDispatchGetMissingPkg(t *testing.T) {
	s, _, _, _ := newTestServer()
	resp := s.dispatch(Request{Cmd: "get"})
	require.False(t, resp.OK)
}

func TestDispatchQueryOp(t *testing.T) {
	s, _, insp, _ := newTestServer()
	insp.matches = []UidPkg{{UID: 10042, Pkg: "a.b"}}
	resp := s.dispatch(Request{Cmd: "query-op", Op: "CAMERA", Mode: "ignore"})
	require.True(t, resp.OK)
	require.Len(t, resp.Matches, 1)
}

func TestDispatchQueryOpDefaultsModeToIgnore(t *testing.T) {
	s, _, _, _ := newTestServer()
	resp := s.dispatch(Request{Cmd: "query-op", Op: "CAMERA"})
	require.True(t, resp.OK)
}

func TestDispatchReset(t *testing.T) {
	s, eng, _, _ := newTestServer()
	resp := s.dispatch(Request{Cmd: "reset", User: 10042, Pkg: "a.b"})
	require.True(t, resp.OK)
	require.NotNil(t, eng.resetUserID)
	require.Equal(t, 10042, *eng.resetUserID)
	require.NotNil(t, eng.resetPkg)
	require.Equal(t, "a.b", *eng.resetPkg)
}

func TestDispatchResetNoFilters(t *testing.T) {
	s, eng, _, _ := newTestServer()
	resp := s.dispatch(Request{Cmd: "reset"})
	require.True(t, resp.OK)
	require.Nil(t, eng.resetUserID)
	require.Nil(t, eng.resetPkg)
}

func TestDispatchRestrictMintsTokenWhenAbsent(t *testing.T) {
	s, eng, _, _ := newTestServer()
	resp := s.dispatch(Request{Cmd: "restrict", Op: "RECORD_AUDIO", User: 0})
	require.True(t, resp.OK)
	require.NotEmpty(t, resp.Token)
	require.Equal(t, resp.Token, eng.lastRestrict.token)
	require.Equal(t, catalog.OpRecordAudio, eng.lastRestrict.code)
	require.True(t, eng.lastRestrict.restricted, "restricted should default to true")
}

func TestDispatchRestrictReusesSuppliedToken(t *testing.T) {
	s, eng, _, _ := newTestServer()
	restricted := false
	resp := s.dispatch(Request{Cmd: "restrict", Op: "RECORD_AUDIO", Token: "tok-123", Restricted: &restricted})
	require.True(t, resp.OK)
	require.Equal(t, "tok-123", resp.Token)
	require.Equal(t, "tok-123", eng.lastRestrict.token)
	require.False(t, eng.lastRestrict.restricted)
}

func TestDispatchRestrictInvalidOp(t *testing.T) {
	s, _, _, _ := newTestServer()
	resp := s.dispatch(Request{Cmd: "restrict", Op: "NOT_AN_OP"})
	require.False(t, resp.OK)
}

func TestDispatchWriteSettings(t *testing.T) {
	s, _, _, pers := newTestServer()
	resp := s.dispatch(Request{Cmd: "write-settings"})
	require.True(t, resp.OK)
	require.True(t, pers.syncCalled)
}

func TestDispatchReadSettings(t *testing.T) {
	s, _, _, pers := newTestServer()
	resp := s.dispatch(Request{Cmd: "read-settings"})
	require.True(t, resp.OK)
	require.True(t, pers.reloaded)
}

func TestDispatchUnknownCommand(t *testing.T) {
	s, _, _, _ := newTestServer()
	resp := s.dispatch(Request{Cmd: "bogus"})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "unknown command")
}
