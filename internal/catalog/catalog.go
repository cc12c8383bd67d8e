// Package catalog is the frozen, static table of AppOps operation codes.
//
// Every accessor here is a pure lookup against compile-time data: no
// locking, no allocation beyond what the caller's slice/map type requires.
// Invalid codes are reported as *apperrors.Error{Kind: InvalidArgument}.
package catalog

import (
	"fmt"

	"github.com/appopsd/appopsd/internal/apperrors"
)

// Op is a numeric identifier for a sensitive action.
type Op int

// Mode is an authorization decision.
type Mode int

const (
	// ALLOWED — the action may proceed.
	ALLOWED Mode = iota
	// IGNORED — the action is silently dropped.
	IGNORED
	// ERRORED — the action is denied hard (caller should treat as failure).
	ERRORED
	// DEFAULT — fall through to the op's default mode.
	DEFAULT
)

func (m Mode) String() string {
	switch m {
	case ALLOWED:
		return "allow"
	case IGNORED:
		return "ignore"
	case ERRORED:
		return "deny"
	case DEFAULT:
		return "default"
	default:
		return fmt.Sprintf("MODE(%d)", int(m))
	}
}

// ParseMode parses a CLI-supplied mode token
// ("allow, deny, ignore, default, or an integer").
func ParseMode(s string) (Mode, error) {
	switch s {
	case "allow":
		return ALLOWED, nil
	case "deny":
		return ERRORED, nil
	case "ignore":
		return IGNORED, nil
	case "default":
		return DEFAULT, nil
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil {
		return Mode(n), nil
	}
	return 0, apperrors.New(apperrors.InvalidArgument, fmt.Sprintf("unrecognized mode %q", s))
}

// Operation codes. Values and groupings loosely follow the well-known
// AppOps convention: operations that evaluate together under one mode
// share a SwitchCode (e.g. the coarse, fine and GPS location ops).
const (
	OpCoarseLocation Op = iota
	OpFineLocation
	OpGPS
	OpReadContacts
	OpWriteContacts
	OpReadCallLog
	OpWriteCallLog
	OpReadSMS
	OpWriteSMS
	OpReceiveSMS
	OpRecordAudio
	OpPlayAudio
	OpReadExternalStorage
	OpWriteExternalStorage
	OpCamera
	OpWakeLock
	OpPostNotification
	OpAccessNotifications
	OpRunInBackground
	OpStartForeground

	// NumOps is the number of defined operation codes.
	NumOps
)

// NONE is returned by PermissionToOp when no operation maps to a
// permission name.
const NONE Op = -1

type entry struct {
	name                string
	defaultMode         Mode
	switchCode          Op
	resettable          bool
	bypassableBySystem  bool
	permissionMapping   string
}

// table is the frozen catalog. Built once at init time; never mutated
// after package init, so concurrent reads require no lock.
var table [NumOps]entry

func def(op Op, name string, defaultMode Mode, switchCode Op, resettable, bypass bool, permission string) {
	table[op] = entry{
		name:               name,
		defaultMode:        defaultMode,
		switchCode:         switchCode,
		resettable:         resettable,
		bypassableBySystem: bypass,
		permissionMapping:  permission,
	}
}

func init() {
	// Location ops share a switch code: policy is set once for the group,
	// but each op accounts for itself independently.
	def(OpCoarseLocation, "COARSE_LOCATION", ALLOWED, OpCoarseLocation, true, true, "android.permission.ACCESS_COARSE_LOCATION")
	def(OpFineLocation, "FINE_LOCATION", ALLOWED, OpCoarseLocation, true, true, "android.permission.ACCESS_FINE_LOCATION")
	def(OpGPS, "GPS", ALLOWED, OpCoarseLocation, true, true, "")

	def(OpReadContacts, "READ_CONTACTS", ALLOWED, OpReadContacts, true, false, "android.permission.READ_CONTACTS")
	def(OpWriteContacts, "WRITE_CONTACTS", ALLOWED, OpWriteContacts, true, false, "android.permission.WRITE_CONTACTS")

	def(OpReadCallLog, "READ_CALL_LOG", ALLOWED, OpReadCallLog, true, false, "android.permission.READ_CALL_LOG")
	def(OpWriteCallLog, "WRITE_CALL_LOG", ALLOWED, OpWriteCallLog, true, false, "android.permission.WRITE_CALL_LOG")

	def(OpReadSMS, "READ_SMS", ALLOWED, OpReadSMS, true, false, "android.permission.READ_SMS")
	def(OpWriteSMS, "WRITE_SMS", ALLOWED, OpWriteSMS, true, false, "")
	def(OpReceiveSMS, "RECEIVE_SMS", ALLOWED, OpReadSMS, true, false, "android.permission.RECEIVE_SMS")

	def(OpRecordAudio, "RECORD_AUDIO", ALLOWED, OpRecordAudio, true, true, "android.permission.RECORD_AUDIO")
	def(OpPlayAudio, "PLAY_AUDIO", ALLOWED, OpPlayAudio, false, true, "")

	def(OpReadExternalStorage, "READ_EXTERNAL_STORAGE", ALLOWED, OpReadExternalStorage, true, true, "android.permission.READ_EXTERNAL_STORAGE")
	def(OpWriteExternalStorage, "WRITE_EXTERNAL_STORAGE", ALLOWED, OpWriteExternalStorage, true, true, "android.permission.WRITE_EXTERNAL_STORAGE")

	def(OpCamera, "CAMERA", ALLOWED, OpCamera, true, true, "android.permission.CAMERA")
	def(OpWakeLock, "WAKE_LOCK", ALLOWED, OpWakeLock, false, true, "android.permission.WAKE_LOCK")
	def(OpPostNotification, "POST_NOTIFICATION", ALLOWED, OpPostNotification, true, false, "android.permission.POST_NOTIFICATIONS")
	def(OpAccessNotifications, "ACCESS_NOTIFICATIONS", ERRORED, OpAccessNotifications, false, false, "")
	def(OpRunInBackground, "RUN_IN_BACKGROUND", ALLOWED, OpRunInBackground, true, true, "")
	def(OpStartForeground, "START_FOREGROUND", ALLOWED, OpStartForeground, true, true, "")
}

func valid(op Op) bool {
	return op >= 0 && op < NumOps
}

// DefaultMode returns the op's default mode, used whenever no stored Op
// overrides it.
func DefaultMode(op Op) (Mode, error) {
	if !valid(op) {
		return 0, invalidOp(op)
	}
	return table[op].defaultMode, nil
}

// SwitchCode returns the canonical op code under which the group sharing
// op's policy is evaluated. Idempotent: SwitchCode(SwitchCode(c)) == SwitchCode(c).
func SwitchCode(op Op) (Op, error) {
	if !valid(op) {
		return 0, invalidOp(op)
	}
	return table[op].switchCode, nil
}

// Resettable reports whether resetAllModes may reset this op.
func Resettable(op Op) (bool, error) {
	if !valid(op) {
		return false, invalidOp(op)
	}
	return table[op].resettable, nil
}

// BypassableBySystem reports whether privileged system packages bypass
// restrictions for this op.
func BypassableBySystem(op Op) (bool, error) {
	if !valid(op) {
		return false, invalidOp(op)
	}
	return table[op].bypassableBySystem, nil
}

// OpForPermission returns the op mapped to permissionName, or (NONE, nil)
// if no op maps to it.
func OpForPermission(permissionName string) (Op, error) {
	if permissionName == "" {
		return NONE, nil
	}
	for op := Op(0); op < NumOps; op++ {
		if table[op].permissionMapping == permissionName {
			return op, nil
		}
	}
	return NONE, nil
}

// StrOpToOp converts a catalog name (e.g. "COARSE_LOCATION") to its Op.
func StrOpToOp(name string) (Op, error) {
	for op := Op(0); op < NumOps; op++ {
		if table[op].name == name {
			return op, nil
		}
	}
	return 0, apperrors.New(apperrors.InvalidArgument, fmt.Sprintf("unknown op name %q", name))
}

// OpToName returns the catalog name for op.
func OpToName(op Op) string {
	if !valid(op) {
		return fmt.Sprintf("OP(%d)", int(op))
	}
	return table[op].name
}

func invalidOp(op Op) error {
	return apperrors.New(apperrors.InvalidArgument, fmt.Sprintf("invalid op code %d", int(op)))
}
