// Package engine implements the Decision Engine: the
// checkOperation/noteOperation/startOperation/finishOperation family, plus
// the mutating setMode/setUidMode/resetAllModes/setAudioRestriction/
// setUserRestriction commands, wired to the Catalog, State Store,
// Restriction Registry, Observer Registry, and Persistence Scheduler under
// a single global mutex.
package engine

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appopsd/appopsd/internal/apperrors"
	"github.com/appopsd/appopsd/internal/catalog"
	"github.com/appopsd/appopsd/internal/identity"
	"github.com/appopsd/appopsd/internal/observability"
	"github.com/appopsd/appopsd/internal/observer"
	"github.com/appopsd/appopsd/internal/persistence"
	"github.com/appopsd/appopsd/internal/restriction"
	"github.com/appopsd/appopsd/internal/store"
)

// Clock returns the current time in epoch milliseconds. Overridable in
// tests; production code leaves it at the zero value and Engine defaults
// it to time.Now().
type Clock func() int64

func defaultClock() int64 { return time.Now().UnixMilli() }

// session tracks one client token's in-progress operations so that
// finishOperation and token-death reclamation know what to unwind.
type session struct {
	entries []opRef
}

type opRef struct {
	uid int
	pkg string
	op  catalog.Op
}

// Engine is the Decision Engine. Exported methods that read or mutate the
// store take mu; some (e.g. SetUidMode) release it around platform lookups
// and re-acquire it. Observer callbacks are always dispatched after mu has
// been released so a callback can never reenter the engine while it is
// locked.
type Engine struct {
	mu sync.Mutex

	identity     *identity.Resolver
	store        *store.Store
	restrictions *restriction.Registry
	audio        *restriction.AudioTable
	observers    *observer.Registry
	scheduler    *persistence.Scheduler
	log          *zap.Logger
	metrics      *observability.Metrics
	clock        Clock

	sessions map[string]*session
}

// New creates an Engine. metrics may be nil (metrics calls become no-ops).
func New(
	res *identity.Resolver,
	st *store.Store,
	restrictions *restriction.Registry,
	audio *restriction.AudioTable,
	observers *observer.Registry,
	scheduler *persistence.Scheduler,
	log *zap.Logger,
	metrics *observability.Metrics,
) *Engine {
	return &Engine{
		identity:     res,
		store:        st,
		restrictions: restrictions,
		audio:        audio,
		observers:    observers,
		scheduler:    scheduler,
		log:          log,
		metrics:      metrics,
		clock:        defaultClock,
		sessions:     make(map[string]*session),
	}
}

// SetClock overrides the engine's time source. Test-only.
func (e *Engine) SetClock(c Clock) { e.clock = c }

func (e *Engine) now() int64 { return e.clock() }

// ─── checkOperation / checkAudioOperation ────────────────────────────────

// CheckOperation is a read-only policy probe with no side effects.
func (e *Engine) CheckOperation(op catalog.Op, uid int, pkg string) (catalog.Mode, error) {
	switchCode, err := catalog.SwitchCode(op)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	resolvedPkg, ok := e.identity.ResolvePackage(uid, pkg)
	if !ok {
		return catalog.IGNORED, nil
	}

	userID := identity.UserOf(uid)
	if e.hasRestrictionLocked(switchCode, uid, resolvedPkg, userID) {
		return catalog.IGNORED, nil
	}

	if uidState, ok := e.store.GetUidState(uid, false); ok {
		if mode, ok := uidState.UidMode(switchCode); ok && mode != catalog.ALLOWED {
			return mode, nil
		}
	}

	ops, ok, _ := e.store.GetOps(uid, resolvedPkg, false, nil, nil)
	if !ok || ops == nil {
		return catalog.DefaultMode(op)
	}
	if rec := ops.Get(switchCode); rec != nil && rec.HasMode() {
		return rec.Mode, nil
	}
	return catalog.DefaultMode(op)
}

// CheckAudioOperation checks an audio op against the usage-keyed audio
// restriction table before falling back to the ordinary policy check.
func (e *Engine) CheckAudioOperation(op catalog.Op, usage int, uid int, pkg string) (catalog.Mode, error) {
	e.mu.Lock()
	resolvedPkg, ok := e.identity.ResolvePackage(uid, pkg)
	if !ok {
		e.mu.Unlock()
		return catalog.IGNORED, nil
	}
	userID := identity.UserOf(uid)
	e.mu.Unlock()

	suspended, err := e.identity.IsPackageSuspended(resolvedPkg, userID)
	if err != nil {
		e.log.Warn("checkAudioOperation: suspension lookup failed, assuming not suspended",
			zap.String("pkg", resolvedPkg), zap.Error(err))
	} else if suspended {
		return catalog.IGNORED, nil
	}

	e.mu.Lock()
	if mode, ok := e.audio.Lookup(op, usage, resolvedPkg); ok {
		e.mu.Unlock()
		return mode, nil
	}
	e.mu.Unlock()

	return e.CheckOperation(op, uid, pkg)
}

// hasRestrictionLocked reports whether code is restricted for (uid,pkg),
// honoring the privileged-system bypass. Caller holds mu.
func (e *Engine) hasRestrictionLocked(switchCode catalog.Op, uid int, resolvedPkg string, userID int) bool {
	if !e.restrictions.HasRestriction(switchCode, resolvedPkg, userID) {
		return false
	}
	bypassable, _ := catalog.BypassableBySystem(switchCode)
	if !bypassable {
		return true
	}
	return !e.isPrivilegedLocked(uid, resolvedPkg)
}

// isPrivilegedLocked reports whether (uid,resolvedPkg) is privileged,
// preferring the cached Ops flag and falling back to a live identity
// lookup when no Ops container has been materialized yet.
func (e *Engine) isPrivilegedLocked(uid int, resolvedPkg string) bool {
	if ops, ok, _ := e.store.GetOps(uid, resolvedPkg, false, nil, nil); ok && ops != nil {
		return ops.IsPrivileged
	}
	userID := identity.UserOf(uid)
	priv, err := e.identity.IsPrivileged(resolvedPkg, userID)
	if err != nil {
		e.log.Warn("privilege lookup failed, assuming unprivileged",
			zap.Int("uid", uid), zap.String("pkg", resolvedPkg), zap.Error(err))
		return false
	}
	return priv
}

// ─── noteOperation / noteProxyOperation ──────────────────────────────────

// NoteOperation records a discrete (non-durational) use of op by (uid,pkg)
// and returns the mode that governed it.
func (e *Engine) NoteOperation(op catalog.Op, uid int, pkg string, proxyUID *int, proxyPkg *string) (catalog.Mode, error) {
	switchCode, err := catalog.SwitchCode(op)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	resolvedPkg, ok := e.identity.ResolvePackage(uid, pkg)
	if !ok {
		return catalog.IGNORED, nil
	}

	ops, created, err := e.store.GetOps(uid, resolvedPkg, true, e.ownershipChecker, e.privilegeChecker)
	if err != nil {
		e.log.Warn("noteOperation: identity lookup failed, refusing",
			zap.Int("uid", uid), zap.String("pkg", resolvedPkg), zap.Error(err))
		return catalog.ERRORED, nil
	}
	if !created || ops == nil {
		e.log.Warn("noteOperation: uid does not own pkg, refusing to create",
			zap.Int("uid", uid), zap.String("pkg", resolvedPkg))
		return catalog.ERRORED, nil
	}

	userID := identity.UserOf(uid)
	if e.hasRestrictionLocked(switchCode, uid, resolvedPkg, userID) {
		return catalog.IGNORED, nil
	}

	rec, _ := e.store.GetOp(ops, op, true)
	if rec.Duration == -1 {
		e.log.Warn("noteOperation: prior start not finished, proceeding",
			zap.Int("uid", uid), zap.String("pkg", resolvedPkg), zap.String("op", catalog.OpToName(op)))
	}
	rec.Duration = 0

	mode := e.resolvePackageModeLocked(ops, op, switchCode)
	if uidState, ok := e.store.GetUidState(uid, false); ok {
		if m, ok := uidState.UidMode(switchCode); ok && m != catalog.ALLOWED {
			mode = m
		}
	}

	if mode != catalog.ALLOWED {
		rec.RejectTime = e.now()
		e.scheduleWriteLocked()
		return mode, nil
	}

	rec.Time = e.now()
	rec.RejectTime = 0
	if proxyUID != nil {
		rec.ProxyUID = *proxyUID
	} else {
		rec.ProxyUID = -1
	}
	if proxyPkg != nil {
		rec.ProxyPackageName = *proxyPkg
	} else {
		rec.ProxyPackageName = ""
	}
	e.scheduleWriteLocked()
	return catalog.ALLOWED, nil
}

// resolvePackageModeLocked implements the second step of the three-step
// policy check shared by noteOperation and startOperation: the
// package-level mode stored under the switch code, falling back to the
// catalog default. Caller holds mu.
func (e *Engine) resolvePackageModeLocked(ops *store.Ops, op, switchCode catalog.Op) catalog.Mode {
	switchRec, _ := e.store.GetOp(ops, switchCode, true)
	if switchRec.HasMode() {
		return switchRec.Mode
	}
	def, _ := catalog.DefaultMode(op)
	return def
}

// NoteProxyOperation notes op against the proxy (the package making the
// call on another's behalf) and, if allowed there, against the proxied
// package as well.
func (e *Engine) NoteProxyOperation(op catalog.Op, proxyUID int, proxyPkg string, proxiedUID int, proxiedPkg string) (catalog.Mode, error) {
	mode, err := e.NoteOperation(op, proxyUID, proxyPkg, nil, nil)
	if err != nil || mode != catalog.ALLOWED || proxyUID == proxiedUID {
		return mode, err
	}
	return e.NoteOperation(op, proxiedUID, proxiedPkg, &proxyUID, &proxyPkg)
}

// ─── startOperation / finishOperation ────────────────────────────────────

// StartOperation begins a durational use of op by (uid,pkg) under token,
// running the identical three-step policy check as NoteOperation.
func (e *Engine) StartOperation(token string, op catalog.Op, uid int, pkg string) (catalog.Mode, error) {
	switchCode, err := catalog.SwitchCode(op)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	resolvedPkg, ok := e.identity.ResolvePackage(uid, pkg)
	if !ok {
		return catalog.IGNORED, nil
	}

	ops, created, err := e.store.GetOps(uid, resolvedPkg, true, e.ownershipChecker, e.privilegeChecker)
	if err != nil {
		e.log.Warn("startOperation: identity lookup failed, refusing",
			zap.Int("uid", uid), zap.String("pkg", resolvedPkg), zap.Error(err))
		return catalog.ERRORED, nil
	}
	if !created || ops == nil {
		e.log.Warn("startOperation: uid does not own pkg, refusing to create",
			zap.Int("uid", uid), zap.String("pkg", resolvedPkg))
		return catalog.ERRORED, nil
	}

	userID := identity.UserOf(uid)
	if e.hasRestrictionLocked(switchCode, uid, resolvedPkg, userID) {
		return catalog.IGNORED, nil
	}

	rec, _ := e.store.GetOp(ops, op, true)

	mode := e.resolvePackageModeLocked(ops, op, switchCode)
	if uidState, ok := e.store.GetUidState(uid, false); ok {
		if m, ok := uidState.UidMode(switchCode); ok && m != catalog.ALLOWED {
			mode = m
		}
	}

	if mode != catalog.ALLOWED {
		rec.RejectTime = e.now()
		e.scheduleWriteLocked()
		return mode, nil
	}

	if rec.Nesting == 0 {
		rec.Time = e.now()
		rec.RejectTime = 0
		rec.Duration = -1
	}
	rec.Nesting++

	s, ok := e.sessions[token]
	if !ok {
		s = &session{}
		e.sessions[token] = s
	}
	s.entries = append(s.entries, opRef{uid: uid, pkg: resolvedPkg, op: op})

	e.scheduleWriteLocked()
	return catalog.ALLOWED, nil
}

// FinishOperation ends one nesting level of a durational op started under
// token.
func (e *Engine) FinishOperation(token string, op catalog.Op, uid int, pkg string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	resolvedPkg, ok := e.identity.ResolvePackage(uid, pkg)
	if !ok {
		return apperrors.New(apperrors.IllegalState, "finishOperation: package does not resolve")
	}

	ops, ok, _ := e.store.GetOps(uid, resolvedPkg, false, nil, nil)
	if !ok || ops == nil {
		return apperrors.New(apperrors.IllegalState, "finishOperation: no such op in progress")
	}
	rec := ops.Get(op)
	if rec == nil {
		return apperrors.New(apperrors.IllegalState, "finishOperation: no such op in progress")
	}

	s := e.sessions[token]
	if !e.removeSessionEntry(s, uid, resolvedPkg, op) {
		return apperrors.New(apperrors.IllegalState, "finishOperation: token did not start this operation")
	}
	if s != nil && len(s.entries) == 0 {
		delete(e.sessions, token)
	}

	e.finishLocked(rec)
	e.scheduleWriteLocked()
	return nil
}

func (e *Engine) removeSessionEntry(s *session, uid int, pkg string, op catalog.Op) bool {
	if s == nil {
		return false
	}
	for i, ref := range s.entries {
		if ref.uid == uid && ref.pkg == pkg && ref.op == op {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// finishLocked applies finishOperation's duration/nesting bookkeeping.
// Caller holds mu. An under-run (nesting already 0) is logged, not raised.
func (e *Engine) finishLocked(rec *store.Op) {
	if rec.Nesting == 0 {
		e.log.Warn("finishOperation: nesting under-run",
			zap.Int("uid", rec.UID), zap.String("pkg", rec.PackageName), zap.String("op", catalog.OpToName(rec.Code)))
		return
	}
	if rec.Nesting <= 1 {
		now := e.now()
		rec.Duration = now - rec.Time
		rec.Time = rec.Time + rec.Duration
		rec.Nesting = 0
	} else {
		rec.Nesting--
	}
}

// FinishAllForToken finishes every in-progress op the given token holds,
// as if FinishOperation had been called for each. Used by the lifecycle
// package when notified a token has died.
func (e *Engine) FinishAllForToken(token string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[token]
	if !ok {
		return 0
	}
	delete(e.sessions, token)

	n := 0
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
		n++
	}
	if n > 0 {
		e.scheduleWriteLocked()
	}
	return n
}

// ResolveUID looks up the uid owning pkg for userID, the way an external
// command-surface caller that only knows a package name (not a raw uid)
// needs to before issuing a mode mutation or query. Returns (0, false, nil)
// if no such package is installed for that user.
func (e *Engine) ResolveUID(pkg string, userID int) (int, bool, error) {
	return e.identity.UIDForPackage(pkg, userID)
}

// ownershipChecker/privilegeChecker adapt identity.Resolver to the
// store.OwnershipChecker/store.PrivilegeLookup function types, so that
// Store keeps no import dependency on identity.

func (e *Engine) ownershipChecker(uid int, pkg string) (bool, error) {
	return e.identity.ValidateOwnership(uid, pkg)
}

func (e *Engine) privilegeChecker(uid int, pkg string) (bool, error) {
	return e.identity.IsPrivileged(pkg, identity.UserOf(uid))
}

// scheduleWriteLocked arms the delayed-write timer for a non-policy
// accounting mutation: any creation or mutation of a persisted field
// schedules a delayed write. Caller holds mu.
func (e *Engine) scheduleWriteLocked() {
	if e.scheduler != nil {
		e.scheduler.Schedule()
	}
}

// scheduleFastWriteLocked arms the fast-write timer for a policy-change
// mutation (setMode, setUidMode, resetAllModes, restriction changes).
// Caller holds mu.
func (e *Engine) scheduleFastWriteLocked() {
	if e.scheduler != nil {
		e.scheduler.ScheduleFast()
	}
}

// WriteSnapshotTo builds a durable-format snapshot of the store under mu,
// then serializes and atomically replaces path outside the lock. This is
// the WriteFunc the Scheduler invokes on a delayed/fast/sync flush.
func (e *Engine) WriteSnapshotTo(path string) error {
	e.mu.Lock()
	doc := persistence.Snapshot(e.store)
	e.mu.Unlock()
	return persistence.WriteAtomic(path, doc)
}
