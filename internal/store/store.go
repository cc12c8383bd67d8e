// Package store is the in-memory AppOps state table.
//
// Store is not internally synchronized: a single process-wide mutex, held
// by the Decision Engine, guards the Store, the Restriction Registry, and
// the Observer Registry together, so adding a second lock here would just
// create a second thing to reason about. Every exported method assumes
// the caller already holds that lock.
package store

import (
	"github.com/appopsd/appopsd/internal/catalog"
)

// Op is the per-(uid,pkg,code) accounting record.
type Op struct {
	UID             int
	PackageName     string
	Code            catalog.Op
	Mode            catalog.Mode
	hasMode         bool // false => no explicit mode stored, falls through to default
	Time            int64 // last allow, ms epoch
	RejectTime      int64 // last reject, ms epoch
	Duration        int64 // ms; -1 means in-progress
	Nesting         int
	ProxyUID        int // -1 means none
	ProxyPackageName string
}

// newOp creates an Op in its zero state: no mode override, never run.
func newOp(uid int, pkg string, code catalog.Op) *Op {
	return &Op{
		UID:         uid,
		PackageName: pkg,
		Code:        code,
		ProxyUID:    -1,
	}
}

// HasMode reports whether this Op carries an explicit mode override.
func (o *Op) HasMode() bool { return o.hasMode }

// SetMode stores an explicit mode override on the Op.
func (o *Op) SetMode(m catalog.Mode) {
	o.Mode = m
	o.hasMode = true
}

// ClearMode removes the Op's explicit mode override (falls through to the
// catalog default).
func (o *Op) ClearMode() {
	o.Mode = 0
	o.hasMode = false
}

// isEmpty reports whether this Op carries no forensic value and no
// explicit override: no mode override, and time/rejectTime/nesting all
// zero.
func (o *Op) isEmpty() bool {
	return !o.hasMode && o.Time == 0 && o.RejectTime == 0 && o.Nesting == 0
}

// Ops is the per-(uid,pkg) container of Op records.
type Ops struct {
	// UID is a back-reference to the owning UidState, by id rather than
	// pointer, so Ops never holds a cyclic pointer back into its parent.
	UID           int
	PackageName   string
	IsPrivileged  bool
	ops           map[catalog.Op]*Op
}

func newOps(uid int, pkg string, privileged bool) *Ops {
	return &Ops{
		UID:          uid,
		PackageName:  pkg,
		IsPrivileged: privileged,
		ops:          make(map[catalog.Op]*Op),
	}
}

// Get returns the Op for code, or nil if absent.
func (o *Ops) Get(code catalog.Op) *Op {
	return o.ops[code]
}

// All returns every Op in this container. Callers must not retain the
// returned map beyond the lock held when it was obtained.
func (o *Ops) All() map[catalog.Op]*Op {
	return o.ops
}

func (o *Ops) isEmpty() bool {
	return len(o.ops) == 0
}

// UidState is the per-uid overlay plus package table.
type UidState struct {
	UID      int
	opModes  map[catalog.Op]catalog.Mode // uid-level overlay, keyed by switch code
	pkgOps   map[string]*Ops
}

func newUidState(uid int) *UidState {
	return &UidState{UID: uid}
}

// UidMode returns the uid-level mode override for switchCode, if any.
func (u *UidState) UidMode(switchCode catalog.Op) (catalog.Mode, bool) {
	if u.opModes == nil {
		return 0, false
	}
	m, ok := u.opModes[switchCode]
	return m, ok
}

// SetUidMode sets or clears the uid-level override for switchCode.
// Passing ok=false clears the override.
func (u *UidState) SetUidMode(switchCode catalog.Op, mode catalog.Mode, ok bool) {
	if !ok {
		if u.opModes != nil {
			delete(u.opModes, switchCode)
			if len(u.opModes) == 0 {
				u.opModes = nil
			}
		}
		return
	}
	if u.opModes == nil {
		u.opModes = make(map[catalog.Op]catalog.Mode)
	}
	u.opModes[switchCode] = mode
}

// PackageNames returns every package name with an Ops container under
// this uid.
func (u *UidState) PackageNames() []string {
	names := make([]string, 0, len(u.pkgOps))
	for name := range u.pkgOps {
		names = append(names, name)
	}
	return names
}

func (u *UidState) isEmpty() bool {
	return len(u.opModes) == 0 && len(u.pkgOps) == 0
}

// OwnershipChecker validates that pkg belongs to uid before the Store
// creates an Ops container for it. Implemented by
// identity.Resolver.ValidateOwnership; kept as a function type here so
// store has no dependency on the identity package.
type OwnershipChecker func(uid int, pkg string) (bool, error)

// PrivilegeLookup reports whether pkg is a privileged package, computed
// once at Ops-creation time and cached on the Ops container.
type PrivilegeLookup func(uid int, pkg string) (bool, error)

// Store is the in-memory uid -> UidState table.
type Store struct {
	uids map[int]*UidState
}

// New creates an empty Store.
func New() *Store {
	return &Store{uids: make(map[int]*UidState)}
}

// GetUidState returns the UidState for uid. If create is true and none
// exists, one is created.
func (s *Store) GetUidState(uid int, create bool) (*UidState, bool) {
	u, ok := s.uids[uid]
	if ok || !create {
		return u, ok
	}
	u = newUidState(uid)
	s.uids[uid] = u
	return u, true
}

// GetOps returns the Ops container for (uid, pkg). If create is true and
// none exists, ownership is validated via checkOwner; on mismatch the
// creation is refused and (nil, false, nil) is returned. Logging the
// refusal is the caller's responsibility, since Store has no logger.
func (s *Store) GetOps(uid int, pkg string, create bool, checkOwner OwnershipChecker, isPriv PrivilegeLookup) (*Ops, bool, error) {
	u, ok := s.GetUidState(uid, false)
	if ok && u.pkgOps != nil {
		if ops, ok := u.pkgOps[pkg]; ok {
			return ops, true, nil
		}
	}
	if !create {
		return nil, false, nil
	}

	owned, err := checkOwner(uid, pkg)
	if err != nil {
		return nil, false, err
	}
	if !owned {
		return nil, false, nil
	}

	privileged, err := isPriv(uid, pkg)
	if err != nil {
		return nil, false, err
	}

	// Only now do we know the (uid, pkg) pair is legitimate, so only now
	// does a UidState get created for an otherwise-unseen uid.
	u, _ = s.GetUidState(uid, true)
	ops := newOps(uid, pkg, privileged)
	if u.pkgOps == nil {
		u.pkgOps = make(map[string]*Ops)
	}
	u.pkgOps[pkg] = ops
	return ops, true, nil
}

// GetOp returns the Op for code within ops. If create is true and none
// exists, one is created.
func (s *Store) GetOp(ops *Ops, code catalog.Op, create bool) (*Op, bool) {
	if op, ok := ops.ops[code]; ok {
		return op, true
	}
	if !create {
		return nil, false
	}
	op := newOp(ops.UID, ops.PackageName, code)
	ops.ops[code] = op
	return op, true
}

// PruneOpIfEmpty removes code's Op from ops if it carries no forensic
// value.
func (s *Store) PruneOpIfEmpty(ops *Ops, code catalog.Op) {
	op, ok := ops.ops[code]
	if !ok {
		return
	}
	if op.isEmpty() {
		delete(ops.ops, code)
	}
}

// RemoveEmptyContainers drops empty Ops containers for uid, and drops the
// UidState itself if it becomes fully empty.
func (s *Store) RemoveEmptyContainers(uid int) {
	u, ok := s.uids[uid]
	if !ok {
		return
	}
	for pkg, ops := range u.pkgOps {
		if ops.isEmpty() {
			delete(u.pkgOps, pkg)
		}
	}
	if len(u.pkgOps) == 0 {
		u.pkgOps = nil
	}
	if u.isEmpty() {
		delete(s.uids, uid)
	}
}

// RemovePackage drops the Ops container for (uid, pkg), if present, and
// collapses empty containers (package removal).
func (s *Store) RemovePackage(uid int, pkg string) bool {
	u, ok := s.uids[uid]
	if !ok {
		return false
	}
	if _, ok := u.pkgOps[pkg]; !ok {
		return false
	}
	delete(u.pkgOps, pkg)
	s.RemoveEmptyContainers(uid)
	return true
}

// RemoveUid drops the entire UidState for uid (uid removal).
func (s *Store) RemoveUid(uid int) bool {
	if _, ok := s.uids[uid]; !ok {
		return false
	}
	delete(s.uids, uid)
	return true
}

// Uids returns every uid with state in the store. Order is unspecified.
func (s *Store) Uids() []int {
	uids := make([]int, 0, len(s.uids))
	for uid := range s.uids {
		uids = append(uids, uid)
	}
	return uids
}

// ForEachUidState calls fn for every UidState in the store.
func (s *Store) ForEachUidState(fn func(*UidState)) {
	for _, u := range s.uids {
		fn(u)
	}
}

// ForEachOps calls fn for every Ops container belonging to uid (or every
// Ops container in the store, if uid is nil).
func (s *Store) ForEachOps(uid *int, fn func(*Ops)) {
	if uid != nil {
		u, ok := s.uids[*uid]
		if !ok {
			return
		}
		for _, ops := range u.pkgOps {
			fn(ops)
		}
		return
	}
	for _, u := range s.uids {
		for _, ops := range u.pkgOps {
			fn(ops)
		}
	}
}
