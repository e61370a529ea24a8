package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCoordinatorRequiresSecret(t *testing.T) {
	t.Setenv("COORDINATOR_SHARED_SECRET", "")
	_, err := LoadCoordinator()
	require.Error(t, err)
}

func TestLoadCoordinatorDefaultsPort(t *testing.T) {
	t.Setenv("COORDINATOR_SHARED_SECRET", "s3cr3t")
	t.Setenv("COORDINATOR_PORT", "")
	cfg, err := LoadCoordinator()
	require.NoError(t, err)
	require.Equal(t, 8765, cfg.TransportPort)
}

func TestLoadWorkerRequiresFields(t *testing.T) {
	t.Setenv("WORKER_COORDINATOR_URL", "ws://localhost:8765")
	t.Setenv("WORKER_SHARED_SECRET", "s3cr3t")
	t.Setenv("WORKER_NAME", "")
	_, err := LoadWorker()
	require.Error(t, err)
}

func TestIsDirectoryAllowed(t *testing.T) {
	w := Worker{AllowedDirectories: []string{"/home/dev/project"}}
	require.True(t, w.IsDirectoryAllowed("/home/dev/project"))
	require.True(t, w.IsDirectoryAllowed("/home/dev/project/sub"))
	require.False(t, w.IsDirectoryAllowed("/home/dev/other"))

	open := Worker{}
	require.True(t, open.IsDirectoryAllowed("/anything"))
}
