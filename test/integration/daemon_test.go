// Package integration_test exercises appopsd end to end: a real engine,
// lifecycle manager, persistence scheduler, and operator socket server,
// driven entirely through the operator protocol the way appopsctl would.
package integration_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/appopsd/appopsd/internal/catalog"
	"github.com/appopsd/appopsd/internal/engine"
	"github.com/appopsd/appopsd/internal/identity"
	"github.com/appopsd/appopsd/internal/lifecycle"
	"github.com/appopsd/appopsd/internal/observer"
	"github.com/appopsd/appopsd/internal/operator"
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

// daemon bundles the wiring cmd/appopsd performs, minus config/observability,
// so a test can boot, tear down, and reboot it against the same snapshot
// file the way a real restart would.
type daemon struct {
	eng      *engine.Engine
	mgr      *lifecycle.Manager
	sockPath string
}

func bootDaemon(t *testing.T, dir string, platform *fakePlatform) *daemon {
	t.Helper()
	snapshotPath := filepath.Join(dir, "appops.xml")
	sockPath := filepath.Join(dir, "operator.sock")

	st := store.New()
	res := identity.New(platform)
	restrictions := restriction.New()
	audio := restriction.NewAudioTable()
	observers := observer.New()

	var eng *engine.Engine
	scheduler := persistence.NewScheduler(time.Hour, time.Hour, func() error {
		return eng.WriteSnapshotTo(snapshotPath)
	}, zap.NewNop())

	eng = engine.New(res, st, restrictions, audio, observers, scheduler, zap.NewNop(), nil)
	mgr := lifecycle.New(eng, st, scheduler, snapshotPath, zap.NewNop(), nil)

	require.NoError(t, mgr.Boot())

	srv := operator.NewServer(sockPath, eng, mgr, mgr, 4, time.Second, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = srv.ListenAndServe(ctx)
	}()

	return &daemon{eng: eng, mgr: mgr, sockPath: sockPath}
}

func roundTrip(t *testing.T, sockPath string, req operator.Request) operator.Response {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	data, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)

	var resp operator.Response
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	return resp
}

func TestDaemonDenyThenCheckOverSocket(t *testing.T) {
	dir := t.TempDir()
	platform := newFakePlatform()
	platform.install(10042, "a.b")
	d := bootDaemon(t, dir, platform)

	resp := roundTrip(t, d.sockPath, operator.Request{Cmd: "set", Pkg: "a.b", Op: "COARSE_LOCATION", Mode: "ignore"})
	require.True(t, resp.OK)

	resp = roundTrip(t, d.sockPath, operator.Request{Cmd: "get", Pkg: "a.b", Op: "COARSE_LOCATION"})
	require.True(t, resp.OK)
	require.Len(t, resp.Entries, 1)
	require.Equal(t, "ignore", resp.Entries[0].Mode)
}

func TestDaemonRestrictRoundTripsToken(t *testing.T) {
	dir := t.TempDir()
	platform := newFakePlatform()
	platform.install(10042, "a.b")
	d := bootDaemon(t, dir, platform)

	resp := roundTrip(t, d.sockPath, operator.Request{Cmd: "restrict", Op: "RECORD_AUDIO", User: 0})
	require.True(t, resp.OK)
	require.NotEmpty(t, resp.Token)

	lift := false
	resp = roundTrip(t, d.sockPath, operator.Request{Cmd: "restrict", Op: "RECORD_AUDIO", User: 0, Token: resp.Token, Restricted: &lift})
	require.True(t, resp.OK)
}

func TestDaemonPersistenceSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	platform := newFakePlatform()
	platform.install(10042, "a.b")
	d := bootDaemon(t, dir, platform)

	resp := roundTrip(t, d.sockPath, operator.Request{Cmd: "set", Pkg: "a.b", Op: "CAMERA", Mode: "deny"})
	require.True(t, resp.OK)

	resp = roundTrip(t, d.sockPath, operator.Request{Cmd: "write-settings"})
	require.True(t, resp.OK)

	snapshotPath := filepath.Join(dir, "appops.xml")
	_, err := os.Stat(snapshotPath)
	require.NoError(t, err)

	// Simulate a daemon restart: a fresh engine/manager boots from the
	// same snapshot file, no socket involved this time.
	st := store.New()
	res := identity.New(platform)
	restrictions := restriction.New()
	audio := restriction.NewAudioTable()
	observers := observer.New()
	scheduler := persistence.NewScheduler(time.Hour, time.Hour, func() error { return nil }, zap.NewNop())
	eng2 := engine.New(res, st, restrictions, audio, observers, scheduler, zap.NewNop(), nil)
	mgr2 := lifecycle.New(eng2, st, scheduler, snapshotPath, zap.NewNop(), nil)
	require.NoError(t, mgr2.Boot())

	mode, err := eng2.CheckOperation(catalog.OpCamera, 10042, "a.b")
	require.NoError(t, err)
	require.Equal(t, "deny", mode.String())
}
