package engine

import (
	"github.com/appopsd/appopsd/internal/catalog"
	"github.com/appopsd/appopsd/internal/store"
)

// OpSnapshot is a read-only dump of one Op record, for operator
// inspection commands.
type OpSnapshot struct {
	UID        int
	PackageName string
	Op         catalog.Op
	Mode       catalog.Mode
	Time       int64
	RejectTime int64
	Duration   int64
	Nesting    int
}

// DumpOps returns every tracked op for (uid, pkg), or just op's entry if
// op != catalog.NONE and it exists.
func (e *Engine) DumpOps(uid int, pkg string, op catalog.Op) []OpSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	ops, ok, _ := e.store.GetOps(uid, pkg, false, nil, nil)
	if !ok || ops == nil {
		return nil
	}

	var out []OpSnapshot
	if op != catalog.NONE {
		if rec := ops.Get(op); rec != nil {
			out = append(out, snapshotOf(rec))
		}
		return out
	}
	for _, rec := range ops.All() {
		out = append(out, snapshotOf(rec))
	}
	return out
}

func snapshotOf(rec *store.Op) OpSnapshot {
	mode := rec.Mode
	if !rec.HasMode() {
		mode, _ = catalog.DefaultMode(rec.Code)
	}
	return OpSnapshot{
		UID:         rec.UID,
		PackageName: rec.PackageName,
		Op:          rec.Code,
		Mode:        mode,
		Time:        rec.Time,
		RejectTime:  rec.RejectTime,
		Duration:    rec.Duration,
		Nesting:     rec.Nesting,
	}
}

// UidPkg identifies one (uid, package) instance.
type UidPkg struct {
	UID int
	Pkg string
}

// QueryOp returns every (uid, pkg) whose op currently resolves to mode,
// via the same policy resolution CheckOperation uses (not a raw stored-
// mode comparison, so uid overlays and restriction layers apply).
func (e *Engine) QueryOp(op catalog.Op, mode catalog.Mode) []UidPkg {
	var matches []UidPkg

	e.mu.Lock()
	var candidates []UidPkg
	for _, uid := range e.store.Uids() {
		e.store.ForEachOps(&uid, func(ops *store.Ops) {
			candidates = append(candidates, UidPkg{UID: uid, Pkg: ops.PackageName})
		})
	}
	e.mu.Unlock()

	for _, c := range candidates {
		m, err := e.CheckOperation(op, c.UID, c.Pkg)
		if err == nil && m == mode {
			matches = append(matches, c)
		}
	}
	return matches
}
