package engine

import (
	"go.uber.org/zap"

	"github.com/appopsd/appopsd/internal/apperrors"
	"github.com/appopsd/appopsd/internal/catalog"
	"github.com/appopsd/appopsd/internal/identity"
	"github.com/appopsd/appopsd/internal/observer"
	"github.com/appopsd/appopsd/internal/store"
)

// SetMode sets a persistent (uid,pkg) mode override for op's switch code.
func (e *Engine) SetMode(op catalog.Op, uid int, pkg string, mode catalog.Mode) error {
	switchCode, err := catalog.SwitchCode(op)
	if err != nil {
		return err
	}

	e.mu.Lock()

	resolvedPkg, ok := e.identity.ResolvePackage(uid, pkg)
	if !ok {
		e.mu.Unlock()
		return apperrors.New(apperrors.IdentityMismatch, "setMode: package does not resolve")
	}

	ops, created, err := e.store.GetOps(uid, resolvedPkg, true, e.ownershipChecker, e.privilegeChecker)
	if err != nil {
		e.mu.Unlock()
		return apperrors.Wrap(apperrors.DependencyUnavailable, "setMode: identity lookup failed", err)
	}
	if !created || ops == nil {
		e.mu.Unlock()
		return apperrors.New(apperrors.IdentityMismatch, "setMode: uid does not own package")
	}

	rec, _ := e.store.GetOp(ops, switchCode, true)
	if rec.HasMode() && rec.Mode == mode {
		e.mu.Unlock()
		return nil
	}

	def, err := catalog.DefaultMode(op)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if mode == def {
		rec.ClearMode()
	} else {
		rec.SetMode(mode)
	}
	e.store.PruneOpIfEmpty(ops, switchCode)
	e.store.RemoveEmptyContainers(uid)

	notifications := e.observers.BuildNotifications(switchCode, uid, []string{resolvedPkg})
	e.scheduleFastWriteLocked()
	e.recordDecisionLocked(op, mode)

	e.mu.Unlock()
	e.dispatch(notifications)
	return nil
}

// SetUidMode sets a uid-wide mode overlay for op's switch code. Fan-out
// notifies once per package owned by uid, enumerated via the Identity
// Resolver.
func (e *Engine) SetUidMode(op catalog.Op, uid int, mode catalog.Mode) error {
	switchCode, err := catalog.SwitchCode(op)
	if err != nil {
		return err
	}
	def, err := catalog.DefaultMode(op)
	if err != nil {
		return err
	}

	e.mu.Lock()

	uidState, _ := e.store.GetUidState(uid, true)
	current, hadOverlay := uidState.UidMode(switchCode)
	if hadOverlay && current == mode {
		e.mu.Unlock()
		return nil
	}

	if mode == def {
		uidState.SetUidMode(switchCode, 0, false)
	} else {
		uidState.SetUidMode(switchCode, mode, true)
	}
	e.store.RemoveEmptyContainers(uid)

	e.mu.Unlock()
	pkgs, lookupErr := e.identity.PackagesForUID(uid)
	if lookupErr != nil {
		e.log.Warn("setUidMode: PackagesForUID failed, falling back to known packages",
			zap.Int("uid", uid), zap.Error(lookupErr))
		e.mu.Lock()
		if us, ok := e.store.GetUidState(uid, false); ok {
			pkgs = us.PackageNames()
		}
		e.mu.Unlock()
	}

	e.mu.Lock()
	notifications := e.observers.BuildNotifications(switchCode, uid, pkgs)
	e.scheduleFastWriteLocked()
	e.mu.Unlock()

	e.dispatch(notifications)
	return nil
}

// ResetAllModes clears every resettable persisted mode override, optionally
// filtered to a user or package. userID and packageName are optional
// filters (nil means "all").
func (e *Engine) ResetAllModes(userID *int, packageName *string) {
	e.mu.Lock()

	type codeUid struct {
		code catalog.Op
		uid  int
	}
	grouped := make(map[codeUid][]string)
	var order []codeUid

	for _, uid := range e.store.Uids() {
		if userID != nil && identity.UserOf(uid) != *userID {
			continue
		}
		e.store.ForEachOps(&uid, func(ops *store.Ops) {
			if packageName != nil && ops.PackageName != *packageName {
				return
			}
			for code, rec := range ops.All() {
				resettable, _ := catalog.Resettable(code)
				if !resettable {
					continue
				}
				if !rec.HasMode() {
					continue
				}
				def, _ := catalog.DefaultMode(code)
				if rec.Mode == def {
					continue
				}
				rec.ClearMode()
				key := codeUid{code: code, uid: uid}
				if _, ok := grouped[key]; !ok {
					order = append(order, key)
				}
				grouped[key] = append(grouped[key], ops.PackageName)
			}
		})
	}

	for _, uid := range e.store.Uids() {
		if userID != nil && identity.UserOf(uid) != *userID {
			continue
		}
		e.store.RemoveEmptyContainers(uid)
	}

	if len(order) > 0 {
		e.scheduleFastWriteLocked()
	}

	var notifications []observer.Notification
	for _, key := range order {
		notifications = append(notifications, e.observers.BuildNotifications(key.code, key.uid, grouped[key])...)
	}

	e.mu.Unlock()
	e.dispatch(notifications)
}

// SetAudioRestriction sets a usage-keyed mode for an audio op in the audio
// restriction table.
func (e *Engine) SetAudioRestriction(op catalog.Op, usage int, mode catalog.Mode, exemptPkgs []string) error {
	switchCode, err := catalog.SwitchCode(op)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.audio.Set(op, usage, mode, exemptPkgs)
	notifications := e.observers.BuildNotifications(switchCode, -1, nil)
	e.scheduleFastWriteLocked()
	e.mu.Unlock()

	e.dispatch(notifications)
	return nil
}

// SetUserRestriction delegates to the Restriction Registry; on change,
// fires a code-change notification with uid=-1 (no single owner).
func (e *Engine) SetUserRestriction(ownerToken string, code catalog.Op, restricted bool, userID int, exemptPackages []string) error {
	switchCode, err := catalog.SwitchCode(code)
	if err != nil {
		return err
	}

	e.mu.Lock()
	changed := e.restrictions.SetRestriction(ownerToken, switchCode, restricted, userID, exemptPackages)
	var notifications []observer.Notification
	if changed {
		notifications = e.observers.BuildNotifications(switchCode, -1, nil)
		e.scheduleFastWriteLocked()
	}
	e.mu.Unlock()

	e.dispatch(notifications)
	return nil
}

// UserRestrictionEntry is one entry of a setUserRestrictions bundle.
type UserRestrictionEntry struct {
	Code           catalog.Op
	Restricted     bool
	UserID         int
	ExemptPackages []string
}

// SetUserRestrictions applies a bundle of restriction changes atomically
// under one lock acquisition, deduplicating notifications by switch code.
func (e *Engine) SetUserRestrictions(ownerToken string, entries []UserRestrictionEntry) error {
	e.mu.Lock()

	changedCodes := make(map[catalog.Op]bool)
	for _, ent := range entries {
		switchCode, err := catalog.SwitchCode(ent.Code)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		if e.restrictions.SetRestriction(ownerToken, switchCode, ent.Restricted, ent.UserID, ent.ExemptPackages) {
			changedCodes[switchCode] = true
		}
	}

	if len(changedCodes) > 0 {
		e.scheduleFastWriteLocked()
	}

	var notifications []observer.Notification
	for code := range changedCodes {
		notifications = append(notifications, e.observers.BuildNotifications(code, -1, nil)...)
	}

	e.mu.Unlock()
	e.dispatch(notifications)
	return nil
}

// CheckPackage is a cheap uid/pkg consistency probe with no store
// mutation.
func (e *Engine) CheckPackage(uid int, pkg string) catalog.Mode {
	resolvedPkg, ok := e.identity.ResolvePackage(uid, pkg)
	if !ok {
		return catalog.ERRORED
	}
	owned, err := e.identity.ValidateOwnership(uid, resolvedPkg)
	if err != nil {
		e.log.Warn("checkPackage: ownership lookup failed", zap.Int("uid", uid), zap.String("pkg", resolvedPkg), zap.Error(err))
		return catalog.ERRORED
	}
	if owned {
		return catalog.ALLOWED
	}
	return catalog.ERRORED
}

// PermissionToOp is a pure Catalog lookup from a platform permission name
// to its governing op.
func PermissionToOp(permissionName string) (catalog.Op, error) {
	return catalog.OpForPermission(permissionName)
}

// dispatch runs queued observer notifications after mu has been released.
func (e *Engine) dispatch(notifications []observer.Notification) {
	for _, n := range notifications {
		n.Callback(n.Op, n.UID, n.PackageName)
		if e.metrics != nil {
			e.metrics.ObserverNotificationsTotal.Inc()
		}
	}
}

// recordDecisionLocked updates the decisions-total metric for a
// mode-setting mutation. Caller holds mu.
func (e *Engine) recordDecisionLocked(op catalog.Op, mode catalog.Mode) {
	if e.metrics == nil {
		return
	}
	e.metrics.DecisionsTotal.WithLabelValues(catalog.OpToName(op), mode.String()).Inc()
}
