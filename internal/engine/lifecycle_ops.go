package engine

import (
	"go.uber.org/zap"

	"github.com/appopsd/appopsd/internal/catalog"
	"github.com/appopsd/appopsd/internal/identity"
	"github.com/appopsd/appopsd/internal/observer"
	"github.com/appopsd/appopsd/internal/store"
)

// RemovePackage drops the Ops container for (uid, pkg), collapses empty
// containers, and schedules a fast write. Returns whether anything was
// removed.
func (e *Engine) RemovePackage(uid int, pkg string) bool {
	e.mu.Lock()
	removed := e.store.RemovePackage(uid, pkg)
	if removed {
		e.scheduleFastWriteLocked()
	}
	e.mu.Unlock()
	return removed
}

// RemoveUid drops the entire UidState for uid and schedules a fast write.
// Returns whether anything was removed.
func (e *Engine) RemoveUid(uid int) bool {
	e.mu.Lock()
	removed := e.store.RemoveUid(uid)
	if removed {
		e.scheduleFastWriteLocked()
	}
	e.mu.Unlock()
	return removed
}

// HandleTokenDeath reclaims every durational op in-progress under token,
// tears down its observer subscriptions, and removes any restriction
// layer it owns, notifying observers for every code that layer forbade.
// Returns the number of ops reclaimed.
func (e *Engine) HandleTokenDeath(token string) int {
	e.mu.Lock()

	s, hadSession := e.sessions[token]
	reclaimed := 0
	if hadSession {
		delete(e.sessions, token)
		for _, ref := range s.entries {
			ops, ok, _ := e.store.GetOps(ref.uid, ref.pkg, false, nil, nil)
			if !ok || ops == nil {
				continue
			}
			rec := ops.Get(ref.op)
			if rec == nil {
				continue
			}
			e.finishLocked(rec)
			reclaimed++
		}
		if reclaimed > 0 {
			e.scheduleWriteLocked()
		}
	}

	e.observers.TokenDied(token)

	forbiddenCodes := e.restrictions.RemoveLayer(token)
	var notifications []observer.Notification
	if len(forbiddenCodes) > 0 {
		for _, code := range forbiddenCodes {
			notifications = append(notifications, e.observers.BuildNotifications(code, -1, nil)...)
		}
		e.scheduleFastWriteLocked()
	}

	if reclaimed > 0 && e.metrics != nil {
		e.metrics.TokenReclaimsTotal.Add(float64(reclaimed))
	}

	e.mu.Unlock()
	e.dispatch(notifications)
	return reclaimed
}

// MountPolicy is the effective external-storage mount policy for a package.
type MountPolicy int

const (
	MountNone MountPolicy = iota
	MountRead
	MountWrite
)

// ExternalStorageAccess reports the effective mount policy for (uid, pkg):
// MountNone if neither read nor write external storage is allowed,
// MountRead if only read is, MountWrite if write is allowed (write
// implies read). It consults noteOperation for both ops so the result
// reflects restriction layers, uid overlays, and package-level modes
// exactly as a real access would.
func (e *Engine) ExternalStorageAccess(uid int, pkg string) (MountPolicy, error) {
	readMode, err := e.NoteOperation(catalog.OpReadExternalStorage, uid, pkg, nil, nil)
	if err != nil {
		return MountNone, err
	}
	writeMode, err := e.NoteOperation(catalog.OpWriteExternalStorage, uid, pkg, nil, nil)
	if err != nil {
		return MountNone, err
	}
	if writeMode == catalog.ALLOWED {
		return MountWrite, nil
	}
	if readMode == catalog.ALLOWED {
		return MountRead, nil
	}
	return MountNone, nil
}

// StartupSweepResult summarizes what a consistency sweep did.
type StartupSweepResult struct {
	Evicted int
}

// StartupSweep confirms, for every (uid, pkg) in the store, that the
// platform still agrees uid owns pkg; entries that no longer check out
// are evicted. Schedules a fast write if anything changed.
func (e *Engine) StartupSweep() StartupSweepResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	type stale struct {
		uid int
		pkg string
	}
	var toEvict []stale

	for _, uid := range e.store.Uids() {
		userID := identity.UserOf(uid)
		e.store.ForEachOps(&uid, func(ops *store.Ops) {
			current, ok, err := e.identity.UIDForPackage(ops.PackageName, userID)
			if err != nil {
				e.log.Warn("startup sweep: uid lookup failed, keeping entry",
					zap.Int("uid", uid), zap.String("pkg", ops.PackageName), zap.Error(err))
				return
			}
			if !ok || current != uid {
				toEvict = append(toEvict, stale{uid: uid, pkg: ops.PackageName})
			}
		})
	}

	for _, s := range toEvict {
		e.store.RemovePackage(s.uid, s.pkg)
		e.log.Info("startup sweep: evicted stale entry",
			zap.Int("uid", s.uid), zap.String("pkg", s.pkg))
	}
	for _, uid := range e.store.Uids() {
		e.store.RemoveEmptyContainers(uid)
	}

	if len(toEvict) > 0 {
		e.scheduleFastWriteLocked()
	}
	if e.metrics != nil {
		e.metrics.StartupSweepEvictedTotal.Add(float64(len(toEvict)))
	}
	return StartupSweepResult{Evicted: len(toEvict)}
}
