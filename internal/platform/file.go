// Package platform provides a file-backed identity.PlatformLookup: the
// package manager, user-id, and suspension collaborator appopsd consults
// when it has no real platform to ask. The registry is a flat YAML file,
// reloaded wholesale on SIGHUP alongside the rest of the daemon's config.
package platform

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// PackageEntry describes one installed package as the registry file sees
// it.
type PackageEntry struct {
	Name       string `yaml:"name"`
	UID        int    `yaml:"uid"`
	UserID     int    `yaml:"user_id"`
	Privileged bool   `yaml:"privileged"`
	Suspended  bool   `yaml:"suspended"`
}

// document is the on-disk YAML shape.
type document struct {
	Packages []PackageEntry `yaml:"packages"`
}

// Registry is a file-backed, in-memory package/uid/privilege/suspension
// lookup. Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	path string

	byUID  map[int][]PackageEntry
	byName map[userPkg]PackageEntry
}

type userPkg struct {
	userID int
	name   string
}

// NewRegistry loads path and returns a Registry. A missing file yields an
// empty registry (every package lookup then fails "not found", not
// error) so a fresh install can boot with no packages configured.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads path and atomically replaces the in-memory indexes.
// Leaves the existing indexes untouched if the file is missing or fails
// to parse, so a bad edit to the registry file doesn't blank out a
// running daemon's view of installed packages.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			if r.byUID == nil {
				r.byUID = make(map[int][]PackageEntry)
				r.byName = make(map[userPkg]PackageEntry)
			}
			r.mu.Unlock()
			return nil
		}
		return fmt.Errorf("platform: read %q: %w", r.path, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("platform: parse %q: %w", r.path, err)
	}

	byUID := make(map[int][]PackageEntry)
	byName := make(map[userPkg]PackageEntry)
	for _, p := range doc.Packages {
		byUID[p.UID] = append(byUID[p.UID], p)
		byName[userPkg{userID: p.UserID, name: p.Name}] = p
	}

	r.mu.Lock()
	r.byUID = byUID
	r.byName = byName
	r.mu.Unlock()
	return nil
}

// PackagesForUID implements identity.PlatformLookup.
func (r *Registry) PackagesForUID(uid int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.byUID[uid]
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names, nil
}

// UIDForPackage implements identity.PlatformLookup.
func (r *Registry) UIDForPackage(pkgName string, userID int) (int, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[userPkg{userID: userID, name: pkgName}]
	if !ok {
		return 0, false, nil
	}
	return e.UID, true, nil
}

// IsPrivileged implements identity.PlatformLookup.
func (r *Registry) IsPrivileged(pkgName string, userID int) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[userPkg{userID: userID, name: pkgName}]
	return ok && e.Privileged, nil
}

// IsPackageSuspended implements identity.PlatformLookup.
func (r *Registry) IsPackageSuspended(pkgName string, userID int) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[userPkg{userID: userID, name: pkgName}]
	return ok && e.Suspended, nil
}
