package errkind

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	base := New(WorkerDisconnect, "worker disconnected while task running", nil)
	wrapped := fmt.Errorf("dispatch: %w", base)
	require.True(t, Is(wrapped, WorkerDisconnect))
	require.False(t, Is(wrapped, Timeout))
}

func TestExitKindFormatsDetail(t *testing.T) {
	require.Equal(t, Kind("EXIT_137"), ExitKind("137"))
	require.Equal(t, Kind("EXIT_SIGKILL"), ExitKind("SIGKILL"))
}

func TestFatalClassification(t *testing.T) {
	require.True(t, IsFatal(AuthFailure))
	require.True(t, IsFatal(Protocol))
	require.False(t, IsFatal(Timeout))
	require.True(t, IsNonFatal(TransferFailure))
	require.False(t, IsNonFatal(QueueFull))
}
