// Package restriction implements the Restriction Registry: a set of
// per-client restriction layers, evaluated as an OR across layers with
// per-user package exemptions, plus the separate per-(op,usage) audio
// restriction table.
//
// Not internally synchronized; callers hold the Decision Engine's global
// lock.
package restriction

import (
	"github.com/appopsd/appopsd/internal/catalog"
)

// layer is one client's forbidden-ops-by-user overlay.
type layer struct {
	ownerToken string
	// forbidden[userID] is the set of ops forbidden for that user.
	forbidden map[int]map[catalog.Op]bool
	// exempt[userID] is the set of package names exempt from this layer's
	// restrictions for that user.
	exempt map[int]map[string]bool
}

func newLayer(ownerToken string) *layer {
	return &layer{
		ownerToken: ownerToken,
		forbidden:  make(map[int]map[catalog.Op]bool),
		exempt:     make(map[int]map[string]bool),
	}
}

func (l *layer) isEmpty() bool {
	for _, ops := range l.forbidden {
		if len(ops) > 0 {
			return false
		}
	}
	for _, pkgs := range l.exempt {
		if len(pkgs) > 0 {
			return false
		}
	}
	return true
}

// Registry is the set of all client restriction layers.
type Registry struct {
	layers map[string]*layer // keyed by ownerToken
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{layers: make(map[string]*layer)}
}

// SetRestriction sets or clears whether code is restricted for userID
// under ownerToken's layer, replacing its exemption list for that user.
// Returns whether the effective state changed.
func (r *Registry) SetRestriction(ownerToken string, code catalog.Op, restricted bool, userID int, exemptPackages []string) bool {
	l, ok := r.layers[ownerToken]
	if !ok {
		if !restricted {
			return false
		}
		l = newLayer(ownerToken)
		r.layers[ownerToken] = l
	}

	wasRestricted := l.forbidden[userID][code]
	changed := wasRestricted != restricted

	if restricted {
		if l.forbidden[userID] == nil {
			l.forbidden[userID] = make(map[catalog.Op]bool)
		}
		l.forbidden[userID][code] = true
	} else if l.forbidden[userID] != nil {
		delete(l.forbidden[userID], code)
		if len(l.forbidden[userID]) == 0 {
			delete(l.forbidden, userID)
		}
	}

	newExempt := make(map[string]bool, len(exemptPackages))
	for _, p := range exemptPackages {
		newExempt[p] = true
	}
	oldExempt := l.exempt[userID]
	if !sameSet(oldExempt, newExempt) {
		changed = true
	}
	if len(newExempt) == 0 {
		delete(l.exempt, userID)
	} else {
		l.exempt[userID] = newExempt
	}

	if l.isEmpty() {
		delete(r.layers, ownerToken)
	}

	return changed
}

func sameSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// HasRestriction reports whether any layer forbids code for userID and
// pkgName is not exempt in that layer.
func (r *Registry) HasRestriction(code catalog.Op, pkgName string, userID int) bool {
	for _, l := range r.layers {
		if !l.forbidden[userID][code] {
			continue
		}
		if l.exempt[userID][pkgName] {
			continue
		}
		return true
	}
	return false
}

// RestrictedCodes returns every op code forbidden anywhere in ownerToken's
// layer, across all users. Used when the owner dies, to know which codes
// to fire watcher notifications for.
func (r *Registry) RestrictedCodes(ownerToken string) []catalog.Op {
	l, ok := r.layers[ownerToken]
	if !ok {
		return nil
	}
	seen := make(map[catalog.Op]bool)
	for _, ops := range l.forbidden {
		for op := range ops {
			seen[op] = true
		}
	}
	codes := make([]catalog.Op, 0, len(seen))
	for op := range seen {
		codes = append(codes, op)
	}
	return codes
}

// RemoveLayer removes ownerToken's layer entirely on owner death. Returns
// the codes that were forbidden, for notification.
func (r *Registry) RemoveLayer(ownerToken string) []catalog.Op {
	codes := r.RestrictedCodes(ownerToken)
	delete(r.layers, ownerToken)
	return codes
}

// ─── Audio restrictions ────────────────────────────────────────

// audioKey identifies a (op, usage) pair.
type audioKey struct {
	op    catalog.Op
	usage int
}

// AudioTable holds per-(op,usage) enforced modes and exemption sets.
type AudioTable struct {
	entries map[audioKey]audioEntry
}

type audioEntry struct {
	mode    catalog.Mode
	exempt  map[string]bool
}

// NewAudioTable creates an empty AudioTable.
func NewAudioTable() *AudioTable {
	return &AudioTable{entries: make(map[audioKey]audioEntry)}
}

// Set replaces the restriction for (op, usage). mode == ALLOWED removes
// the entry entirely.
func (a *AudioTable) Set(op catalog.Op, usage int, mode catalog.Mode, exemptPackages []string) {
	key := audioKey{op, usage}
	if mode == catalog.ALLOWED {
		delete(a.entries, key)
		return
	}
	exempt := make(map[string]bool, len(exemptPackages))
	for _, p := range exemptPackages {
		exempt[p] = true
	}
	a.entries[key] = audioEntry{mode: mode, exempt: exempt}
}

// Lookup returns the enforced mode for (op, usage), or (0, false) if no
// restriction is set or pkgName is exempt from it.
func (a *AudioTable) Lookup(op catalog.Op, usage int, pkgName string) (catalog.Mode, bool) {
	e, ok := a.entries[audioKey{op, usage}]
	if !ok {
		return 0, false
	}
	if e.exempt[pkgName] {
		return 0, false
	}
	return e.mode, true
}
