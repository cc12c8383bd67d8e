// Package lifecycle wires the Decision Engine to its durability and
// platform-event boundaries: loading the snapshot at boot, running the
// startup consistency sweep, handling package/uid removal and token
// death, and serving as the external-storage mount-policy provider.
package lifecycle

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/appopsd/appopsd/internal/catalog"
	"github.com/appopsd/appopsd/internal/engine"
	"github.com/appopsd/appopsd/internal/observability"
	"github.com/appopsd/appopsd/internal/operator"
	"github.com/appopsd/appopsd/internal/persistence"
	"github.com/appopsd/appopsd/internal/store"
)

// Manager owns the snapshot path and scheduler, and mediates every
// durability and platform-lifecycle event for one Engine.
type Manager struct {
	eng       *engine.Engine
	store     *store.Store
	scheduler *persistence.Scheduler
	path      string
	log       *zap.Logger
	metrics   *observability.Metrics
}

// New creates a Manager for the given engine, store, scheduler, and
// snapshot path.
func New(eng *engine.Engine, st *store.Store, scheduler *persistence.Scheduler, snapshotPath string, log *zap.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		eng:       eng,
		store:     st,
		scheduler: scheduler,
		path:      snapshotPath,
		log:       log,
		metrics:   metrics,
	}
}

// Boot loads the on-disk snapshot (if any) into the store, then runs the
// startup consistency sweep. Call once before serving any requests.
func (m *Manager) Boot() error {
	if err := m.loadSnapshot(); err != nil {
		return fmt.Errorf("lifecycle: boot: %w", err)
	}
	result := m.eng.StartupSweep()
	m.log.Info("startup sweep complete", zap.Int("evicted", result.Evicted))
	return nil
}

func (m *Manager) loadSnapshot() error {
	for _, uid := range m.store.Uids() {
		m.store.RemoveUid(uid)
	}
	doc, ok, err := persistence.Read(m.path)
	if err != nil {
		m.log.Error("snapshot is structurally invalid, reverting to empty store",
			zap.String("path", m.path), zap.Error(err))
		return nil
	}
	if !ok {
		m.log.Info("no snapshot file found, starting from an empty store", zap.String("path", m.path))
		return nil
	}
	persistence.Apply(m.store, doc)
	m.log.Info("snapshot loaded", zap.String("path", m.path))
	return nil
}

// Sync forces an immediate, synchronous snapshot write, cancelling any
// pending delayed/fast timer. Implements operator.Persistence.
func (m *Manager) Sync() error {
	start := time.Now()
	err := m.scheduler.Sync()
	if m.metrics != nil {
		m.metrics.SnapshotWritesTotal.WithLabelValues("sync").Inc()
		m.metrics.SnapshotWriteLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			m.metrics.SnapshotWriteFailuresTotal.Inc()
		}
	}
	return err
}

// Reload discards in-memory state and replaces it with the on-disk
// snapshot. Implements operator.Persistence.
func (m *Manager) Reload() error {
	return m.loadSnapshot()
}

// PackageRemoved handles a platform notification that pkg was uninstalled
// for uid.
func (m *Manager) PackageRemoved(uid int, pkg string) {
	if m.eng.RemovePackage(uid, pkg) {
		m.log.Info("package removed", zap.Int("uid", uid), zap.String("pkg", pkg))
	}
}

// UidRemoved handles a platform notification that uid was deleted
// entirely (e.g. user removal).
func (m *Manager) UidRemoved(uid int) {
	if m.eng.RemoveUid(uid) {
		m.log.Info("uid removed", zap.Int("uid", uid))
	}
}

// TokenDied handles a client token death notification (binder death,
// socket close, etc): reclaims in-progress ops, tears down observer
// subscriptions, and removes any restriction layer the token owned.
func (m *Manager) TokenDied(token string) {
	n := m.eng.HandleTokenDeath(token)
	if n > 0 {
		m.log.Info("token died, reclaimed in-progress ops", zap.String("token", token), zap.Int("count", n))
	}
}

// MountPolicyProvider answers the external-storage mount-policy question
// for one (uid, pkg): none, read-only, or read-write.
type MountPolicyProvider struct {
	eng *engine.Engine
}

// NewMountPolicyProvider wraps eng as a mount-policy provider.
func NewMountPolicyProvider(eng *engine.Engine) *MountPolicyProvider {
	return &MountPolicyProvider{eng: eng}
}

// Policy returns the effective mount policy for (uid, pkg).
func (p *MountPolicyProvider) Policy(uid int, pkg string) (engine.MountPolicy, error) {
	return p.eng.ExternalStorageAccess(uid, pkg)
}

// ─── operator.Inspector ───────────────────────────────────────────────────

// OpEntries implements operator.Inspector.
func (m *Manager) OpEntries(uid int, pkg string, op catalog.Op) []operator.OpEntry {
	snaps := m.eng.DumpOps(uid, pkg, op)
	out := make([]operator.OpEntry, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, operator.OpEntry{
			Op:         catalog.OpToName(s.Op),
			Mode:       s.Mode.String(),
			Time:       s.Time,
			RejectTime: s.RejectTime,
			Duration:   s.Duration,
			Nesting:    s.Nesting,
		})
	}
	return out
}

// QueryOp implements operator.Inspector.
func (m *Manager) QueryOp(op catalog.Op, mode catalog.Mode) []operator.UidPkg {
	matches := m.eng.QueryOp(op, mode)
	out := make([]operator.UidPkg, 0, len(matches))
	for _, mm := range matches {
		out = append(out, operator.UidPkg{UID: mm.UID, Pkg: mm.Pkg})
	}
	return out
}
