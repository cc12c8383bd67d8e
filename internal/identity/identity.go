// Package identity resolves (uid, package) pairs to canonical identities.
//
// The platform's package manager, user-id helpers, and suspension lookups
// are external collaborators; this package defines the narrow
// PlatformLookup interface the Decision Engine and State Store depend on,
// plus the uid-special-casing logic that sits in front of it.
package identity

import (
	"github.com/appopsd/appopsd/internal/apperrors"
)

const (
	rootUID  = 0
	shellUID = 2000
	// firstAppUID is the first uid considered an installed application;
	// uids below this (other than root/shell) are system uids.
	firstAppUID = 10000
)

const (
	rootPackage  = "root"
	shellPackage = "com.android.shell"
	systemPackage = "android"
)

// PlatformLookup is the external package/user-id service the Identity
// Resolver consults. Implementations talk to the real platform; tests use
// an in-memory fake.
type PlatformLookup interface {
	// PackagesForUID returns every package name owned by uid.
	PackagesForUID(uid int) ([]string, error)

	// UIDForPackage returns the uid that owns pkgName for the given user,
	// or (0, false) if no such package is installed for that user.
	UIDForPackage(pkgName string, userID int) (int, bool, error)

	// IsPrivileged reports whether pkgName is a privileged system package
	// for userID.
	IsPrivileged(pkgName string, userID int) (bool, error)

	// IsPackageSuspended reports whether pkgName is currently suspended
	// for userID.
	IsPackageSuspended(pkgName string, userID int) (bool, error)
}

// Resolver resolves identities on top of a PlatformLookup collaborator.
type Resolver struct {
	platform PlatformLookup
}

// New creates a Resolver backed by platform.
func New(platform PlatformLookup) *Resolver {
	return &Resolver{platform: platform}
}

// UserOf derives the user id portion of a multi-user uid (Android-style:
// userID = uid / 100000).
func UserOf(uid int) int {
	return uid / 100000
}

// ResolvePackage resolves a (uid, packageName) pair to a canonical package
// name: uid 0 -> "root"; shell uid -> "com.android.shell";
// system uid with empty pkg -> "android"; otherwise the input unchanged.
// Returns ("", false) only when pkg is empty and uid is an ordinary app uid
// (caller should map that to IGNORED).
func (r *Resolver) ResolvePackage(uid int, pkg string) (string, bool) {
	switch {
	case uid == rootUID:
		return rootPackage, true
	case uid == shellUID:
		return shellPackage, true
	case uid < firstAppUID && pkg == "":
		return systemPackage, true
	case pkg == "":
		return "", false
	default:
		return pkg, true
	}
}

// PackagesForUID returns every package owned by uid.
func (r *Resolver) PackagesForUID(uid int) ([]string, error) {
	pkgs, err := r.platform.PackagesForUID(uid)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.DependencyUnavailable, "packages for uid", err)
	}
	return pkgs, nil
}

// UIDForPackage returns the uid owning pkgName for userID.
func (r *Resolver) UIDForPackage(pkgName string, userID int) (int, bool, error) {
	uid, ok, err := r.platform.UIDForPackage(pkgName, userID)
	if err != nil {
		return 0, false, apperrors.Wrap(apperrors.DependencyUnavailable, "uid for package", err)
	}
	return uid, ok, nil
}

// IsPrivileged reports whether pkgName is privileged for userID.
func (r *Resolver) IsPrivileged(pkgName string, userID int) (bool, error) {
	priv, err := r.platform.IsPrivileged(pkgName, userID)
	if err != nil {
		return false, apperrors.Wrap(apperrors.DependencyUnavailable, "is privileged", err)
	}
	return priv, nil
}

// IsPackageSuspended reports whether pkgName is suspended for userID.
// Fails with DependencyUnavailable if the platform cannot be reached.
func (r *Resolver) IsPackageSuspended(pkgName string, userID int) (bool, error) {
	suspended, err := r.platform.IsPackageSuspended(pkgName, userID)
	if err != nil {
		return false, apperrors.Wrap(apperrors.DependencyUnavailable, "is package suspended", err)
	}
	return suspended, nil
}

// ValidateOwnership checks that pkg actually belongs to uid. Returns true
// iff ownership holds.
func (r *Resolver) ValidateOwnership(uid int, pkg string) (bool, error) {
	owned, err := r.PackagesForUID(uid)
	if err != nil {
		return false, err
	}
	for _, p := range owned {
		if p == pkg {
			return true, nil
		}
	}
	// Canonical synthetic identities always "own" their synthetic package.
	canonical, ok := r.ResolvePackage(uid, "")
	return ok && canonical == pkg, nil
}
