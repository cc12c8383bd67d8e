package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestModeStringRoundTrip(t *testing.T) {
	for _, m := range []Mode{ALLOWED, IGNORED, ERRORED, DEFAULT} {
		parsed, err := ParseMode(m.String())
		require.NoError(t, err)
		require.Equal(t, m, parsed)
	}
}

func TestParseModeInteger(t *testing.T) {
	m, err := ParseMode("1")
	require.NoError(t, err)
	require.Equal(t, IGNORED, m)
}

func TestParseModeInvalid(t *testing.T) {
	_, err := ParseMode("bogus")
	require.Error(t, err)
}

func TestLocationOpsShareSwitchCode(t *testing.T) {
	for _, op := range []Op{OpCoarseLocation, OpFineLocation, OpGPS} {
		sc, err := SwitchCode(op)
		require.NoError(t, err)
		require.Equal(t, OpCoarseLocation, sc)
	}
}

func TestStrOpToOpRoundTrip(t *testing.T) {
	for op := Op(0); op < NumOps; op++ {
		name := OpToName(op)
		got, err := StrOpToOp(name)
		require.NoError(t, err)
		require.Equal(t, op, got)
	}
}

func TestStrOpToOpUnknown(t *testing.T) {
	_, err := StrOpToOp("NOT_A_REAL_OP")
	require.Error(t, err)
}

func TestOpForPermissionEmptyIsNone(t *testing.T) {
	op, err := OpForPermission("")
	require.NoError(t, err)
	require.Equal(t, NONE, op)
}

func TestOpForPermissionKnown(t *testing.T) {
	op, err := OpForPermission("android.permission.CAMERA")
	require.NoError(t, err)
	require.Equal(t, OpCamera, op)
}

func TestOpForPermissionUnknownIsNone(t *testing.T) {
	op, err := OpForPermission("android.permission.NOT_REAL")
	require.NoError(t, err)
	require.Equal(t, NONE, op)
}

func TestInvalidOpCodeErrors(t *testing.T) {
	_, err := DefaultMode(Op(-5))
	require.Error(t, err)

	_, err = SwitchCode(NumOps)
	require.Error(t, err)

	_, err = Resettable(NumOps + 1)
	require.Error(t, err)

	_, err = BypassableBySystem(Op(-1))
	require.Error(t, err)
}

func TestOpToNameInvalidOp(t *testing.T) {
	require.Contains(t, OpToName(Op(999)), "OP(")
}

func TestAccessNotificationsDefaultsToErrored(t *testing.T) {
	mode, err := DefaultMode(OpAccessNotifications)
	require.NoError(t, err)
	require.Equal(t, ERRORED, mode)
}
