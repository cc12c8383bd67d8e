// Package persistence implements the durable XML snapshot and its
// delayed/fast/sync write scheduling.
//
// The snapshot file format is a bespoke, attribute-heavy XML dialect with
// semantic-zero-value-driven optional attributes, hand-rolled on
// encoding/xml, the idiomatic stdlib choice for struct-tag-driven XML.
package persistence

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"

	"github.com/appopsd/appopsd/internal/catalog"
	"github.com/appopsd/appopsd/internal/store"
)

// ─── XML wire structures ────────────────────────────────────────

type xmlDoc struct {
	XMLName xml.Name   `xml:"app-ops"`
	Uids    []xmlUid   `xml:"uid"`
	Pkgs    []xmlPkg   `xml:"pkg"`
}

// xmlUid is the uid-level mode overlay: <uid n="INT"><op n="CODE" m="MODE"/></uid>
type xmlUid struct {
	N  int         `xml:"n,attr"`
	Op []xmlModeOp `xml:"op"`
}

type xmlModeOp struct {
	N int `xml:"n,attr"`
	M int `xml:"m,attr"`
}

// xmlPkg is one package's per-uid Ops containers:
// <pkg n="PACKAGE"><uid n="UID" p="BOOL"><op .../></uid></pkg>
type xmlPkg struct {
	N   string      `xml:"n,attr"`
	Uid []xmlPkgUid `xml:"uid"`
}

type xmlPkgUid struct {
	N  int     `xml:"n,attr"`
	P  bool    `xml:"p,attr"`
	Op []xmlOp `xml:"op"`
}

type xmlOp struct {
	N  int     `xml:"n,attr"`
	M  *int    `xml:"m,attr,omitempty"`
	T  *int64  `xml:"t,attr,omitempty"`
	R  *int64  `xml:"r,attr,omitempty"`
	D  *int64  `xml:"d,attr,omitempty"`
	PU *int    `xml:"pu,attr,omitempty"`
	PP *string `xml:"pp,attr,omitempty"`
}

// ─── Store <-> XML conversion ─────────────────────────────────────────────

// Snapshot builds the XML document for the entire store. Call this once
// under the Decision Engine's lock, then release the lock before encoding
// or writing.
func Snapshot(s *store.Store) *xmlDoc {
	doc := &xmlDoc{}

	s.ForEachUidState(func(u *store.UidState) {
		// uid-level overlay.
		var ops []xmlModeOp
		// UidState doesn't expose its overlay map directly (store keeps it
		// unexported); iterate known op codes via the accessor below.
		for code := catalog.Op(0); code < catalog.NumOps; code++ {
			if mode, ok := u.UidMode(code); ok {
				ops = append(ops, xmlModeOp{N: int(code), M: int(mode)})
			}
		}
		if len(ops) > 0 {
			doc.Uids = append(doc.Uids, xmlUid{N: u.UID, Op: ops})
		}
	})

	// Group Ops containers by package name: one <pkg> per package, with
	// one <uid> child per uid that has an Ops container for that package.
	pkgToUids := make(map[string][]xmlPkgUid)
	var pkgOrder []string
	s.ForEachOps(nil, func(o *store.Ops) {
		if _, seen := pkgToUids[o.PackageName]; !seen {
			pkgOrder = append(pkgOrder, o.PackageName)
		}
		var xops []xmlOp
		for code, op := range o.All() {
			xo := xmlOp{N: int(code)}
			if def, err := catalog.DefaultMode(code); err == nil {
				if !op.HasMode() {
					// omitted: falls through to default, nothing to write
					// beyond the bare <op n=.../> if it has forensic data.
				} else if op.Mode != def {
					m := int(op.Mode)
					xo.M = &m
				}
			}
			if op.Time != 0 {
				t := op.Time
				xo.T = &t
			}
			if op.RejectTime != 0 {
				r := op.RejectTime
				xo.R = &r
			}
			if op.Duration != 0 {
				d := op.Duration
				xo.D = &d
			}
			if op.ProxyUID != -1 {
				pu := op.ProxyUID
				xo.PU = &pu
			}
			if op.ProxyPackageName != "" {
				pp := op.ProxyPackageName
				xo.PP = &pp
			}
			xops = append(xops, xo)
		}
		pkgToUids[o.PackageName] = append(pkgToUids[o.PackageName], xmlPkgUid{
			N:  o.UID,
			P:  o.IsPrivileged,
			Op: xops,
		})
	})
	for _, pkg := range pkgOrder {
		doc.Pkgs = append(doc.Pkgs, xmlPkg{N: pkg, Uid: pkgToUids[pkg]})
	}

	return doc
}

// ownerLookup is the shape of an isPrivileged resolver for an Ops container
// being rebuilt from a snapshot. Apply does not take one: it reads the
// flag from the snapshot's p attribute via privilegeFrom, so persistence
// has no dependency on identity.
type ownerLookup = func(uid int, pkg string) bool

// Apply replaces store's contents with doc's. The caller clears the store
// under the global lock, parses, and on any structural failure reverts to
// an empty store before calling Apply; Apply itself assumes the lock is
// already held.
func Apply(s *store.Store, doc *xmlDoc) {
	for _, u := range doc.Uids {
		us, _ := s.GetUidState(u.N, true)
		for _, op := range u.Op {
			us.SetUidMode(catalog.Op(op.N), catalog.Mode(op.M), true)
		}
	}

	for _, pkg := range doc.Pkgs {
		for _, u := range pkg.Uid {
			ops, created, _ := s.GetOps(u.N, pkg.N, true, alwaysOwned, privilegeFrom(u.P))
			if !created {
				continue
			}
			for _, xo := range u.Op {
				op, _ := s.GetOp(ops, catalog.Op(xo.N), true)
				if xo.M != nil {
					op.SetMode(catalog.Mode(*xo.M))
				}
				if xo.T != nil {
					op.Time = *xo.T
				}
				if xo.R != nil {
					op.RejectTime = *xo.R
				}
				if xo.D != nil {
					op.Duration = *xo.D
				}
				if xo.PU != nil {
					op.ProxyUID = *xo.PU
				}
				if xo.PP != nil {
					op.ProxyPackageName = *xo.PP
				}
			}
		}
	}
}

// alwaysOwned is used while rebuilding from a trusted snapshot: ownership
// was already validated when the Op was first created and persisted.
func alwaysOwned(uid int, pkg string) (bool, error) { return true, nil }

func privilegeFrom(p bool) store.PrivilegeLookup {
	return func(uid int, pkg string) (bool, error) { return p, nil }
}

// ─── File I/O ─────────────────────────────────────────────────────────────

// Read parses the snapshot file at path. Returns ok=false (with no error)
// if the file does not exist — a missing snapshot is normal on first boot.
// A structurally invalid file is returned as an error; the caller
// (lifecycle) is responsible for reverting to an empty store.
func Read(path string) (doc *xmlDoc, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &xmlDoc{}, false, nil
		}
		return nil, false, fmt.Errorf("persistence: read %q: %w", path, err)
	}
	var d xmlDoc
	if err := xml.Unmarshal(data, &d); err != nil {
		return nil, false, fmt.Errorf("persistence: parse %q: %w", path, err)
	}
	return &d, true, nil
}

// WriteAtomic serializes doc and atomically replaces the file at path:
// write-tmp -> fsync -> rename ("crash-safe atomic-replace").
func WriteAtomic(path string, doc *xmlDoc) error {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("persistence: encode: %w", err)
	}
	buf.WriteByte('\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("persistence: mkdir %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("persistence: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("persistence: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("persistence: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persistence: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("persistence: rename: %w", err)
	}
	return nil
}
