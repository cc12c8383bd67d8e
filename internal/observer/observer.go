// Package observer implements the Observer Registry: three indexes over
// client-owned callbacks, targeted fan-out on mode changes, and
// per-(op,package) de-duplication.
//
// Not internally synchronized; callers hold the Decision Engine's global
// lock while mutating the indexes, then call BuildNotifications under that
// same lock to obtain a snapshot list, release the lock, and dispatch the
// snapshot. The stored Callback is never invoked while the lock is held.
package observer

import (
	"github.com/appopsd/appopsd/internal/catalog"
)

// NoPackage is the sentinel meaning "no package filter" in a subscription.
const NoPackage = ""

// Callback is invoked once per (op, package) a token is subscribed to,
// after a mode change commits. uid is the owning uid when known, or -1
// for broadcast notifications (e.g. audio restriction changes).
type Callback func(op catalog.Op, uid int, pkgName string)

type subscription struct {
	op  catalog.Op // catalog.NONE means "package-only" subscription
	pkg string     // NoPackage means "code-only" subscription
}

// Observer is one client token's registered callback plus its set of
// subscriptions. There is at most one Observer per token.
type Observer struct {
	Token string
	cb    Callback
	subs  map[subscription]bool
}

// Registry holds all observers, indexed for fan-out.
type Registry struct {
	byToken map[string]*Observer
	byCode  map[catalog.Op]map[*Observer]bool
	byPkg   map[string]map[*Observer]bool
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byToken: make(map[string]*Observer),
		byCode:  make(map[catalog.Op]map[*Observer]bool),
		byPkg:   make(map[string]map[*Observer]bool),
	}
}

// Register subscribes token to (op, pkg). op == catalog.NONE subscribes to
// package changes only; pkg == NoPackage subscribes to code changes only;
// both subscribes to both. Returns false if this exact (op, pkg)
// subscription already existed for token.
func (r *Registry) Register(token string, cb Callback, op catalog.Op, pkg string) bool {
	if op == catalog.NONE && pkg == NoPackage {
		return false // Invalid: must subscribe to at least one of code/package.
	}
	obs, ok := r.byToken[token]
	if !ok {
		obs = &Observer{Token: token, cb: cb, subs: make(map[subscription]bool)}
		r.byToken[token] = obs
	} else {
		obs.cb = cb
	}

	sub := subscription{op: op, pkg: pkg}
	if obs.subs[sub] {
		return false
	}
	obs.subs[sub] = true

	if op != catalog.NONE {
		if r.byCode[op] == nil {
			r.byCode[op] = make(map[*Observer]bool)
		}
		r.byCode[op][obs] = true
	}
	if pkg != NoPackage {
		if r.byPkg[pkg] == nil {
			r.byPkg[pkg] = make(map[*Observer]bool)
		}
		r.byPkg[pkg][obs] = true
	}
	return true
}

// Unregister removes one (op, pkg) subscription for token. If that was the
// token's last subscription, the Observer itself is removed.
func (r *Registry) Unregister(token string, op catalog.Op, pkg string) {
	obs, ok := r.byToken[token]
	if !ok {
		return
	}
	sub := subscription{op: op, pkg: pkg}
	if !obs.subs[sub] {
		return
	}
	delete(obs.subs, sub)

	if op != catalog.NONE {
		delete(r.byCode[op], obs)
		if len(r.byCode[op]) == 0 {
			delete(r.byCode, op)
		}
	}
	if pkg != NoPackage {
		delete(r.byPkg[pkg], obs)
		if len(r.byPkg[pkg]) == 0 {
			delete(r.byPkg, pkg)
		}
	}

	if len(obs.subs) == 0 {
		r.removeObserver(obs)
	}
}

// TokenDied tears down every subscription for token. An Observer is
// destroyed as soon as its owning token dies.
func (r *Registry) TokenDied(token string) {
	obs, ok := r.byToken[token]
	if !ok {
		return
	}
	r.removeObserver(obs)
}

func (r *Registry) removeObserver(obs *Observer) {
	for sub := range obs.subs {
		if sub.op != catalog.NONE {
			delete(r.byCode[sub.op], obs)
			if len(r.byCode[sub.op]) == 0 {
				delete(r.byCode, sub.op)
			}
		}
		if sub.pkg != NoPackage {
			delete(r.byPkg[sub.pkg], obs)
			if len(r.byPkg[sub.pkg]) == 0 {
				delete(r.byPkg, sub.pkg)
			}
		}
	}
	delete(r.byToken, obs.Token)
}

// Notification is one deferred (callback, op, uid, package) dispatch,
// produced under the lock and executed after it is released.
type Notification struct {
	Callback    Callback
	Op          catalog.Op
	UID         int
	PackageName string
}

// BuildNotifications computes the deduplicated fan-out for a mode change
// on switchCode affecting pkgNames, owned by uid (or -1 for a broadcast
// change with no single owner). Must be called under the same lock that
// committed the mutation; the returned slice is dispatched by the caller
// after releasing that lock.
func (r *Registry) BuildNotifications(switchCode catalog.Op, uid int, pkgNames []string) []Notification {
	seen := make(map[*Observer]map[string]bool)
	var out []Notification

	mark := func(obs *Observer, pkg string) bool {
		if seen[obs] == nil {
			seen[obs] = make(map[string]bool)
		}
		if seen[obs][pkg] {
			return false
		}
		seen[obs][pkg] = true
		return true
	}

	// Step 1: observers subscribed to the op's switch code, once per
	// affected package.
	for obs := range r.byCode[switchCode] {
		if len(pkgNames) == 0 {
			if mark(obs, "") {
				out = append(out, Notification{Callback: obs.cb, Op: switchCode, UID: uid, PackageName: ""})
			}
			continue
		}
		for _, pkg := range pkgNames {
			if mark(obs, pkg) {
				out = append(out, Notification{Callback: obs.cb, Op: switchCode, UID: uid, PackageName: pkg})
			}
		}
	}

	// Step 2: for every affected package, observers subscribed to that
	// package name.
	for _, pkg := range pkgNames {
		for obs := range r.byPkg[pkg] {
			if mark(obs, pkg) {
				out = append(out, Notification{Callback: obs.cb, Op: switchCode, UID: uid, PackageName: pkg})
			}
		}
	}

	return out
}
