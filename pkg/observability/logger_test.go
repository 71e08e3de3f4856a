package observability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rdsping/pkg/config"
)

func TestFileOutputAndGlobals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "rdsping.log")
	logger, cleanup, err := SetupLogger(config.LogConfig{
		Level:   "warning",
		Format:  "json",
		Outputs: []string{path},
	})
	require.NoError(t, err)

	require.Same(t, logger, zap.L())
	zap.L().Info("dropped below level")
	zap.L().Warn("kept", zap.String("peer", "127.0.0.1:5001"))
	cleanup()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), `"msg":"kept"`)
	require.Contains(t, string(b), `"peer":"127.0.0.1:5001"`)
	require.NotContains(t, string(b), "dropped below level")
	require.NotSame(t, logger, zap.L())
}

func TestRotatedOutput(t *testing.T) {
	dir := t.TempDir()
	_, cleanup, err := SetupLogger(config.LogConfig{
		Level:   "info",
		Outputs: []string{"stderr", filepath.Join(dir, "ignored.log")},
		Rotation: config.RotationConfig{
			Enable:   true,
			Filename: filepath.Join(dir, "rotated.log"),
		},
	})
	require.NoError(t, err)
	zap.L().Info("rotating")
	cleanup()

	_, err = os.Stat(filepath.Join(dir, "rotated.log"))
	require.NoError(t, err)
}

func TestBadLevel(t *testing.T) {
	_, _, err := SetupLogger(config.LogConfig{Level: "loud"})
	require.Error(t, err)
}
