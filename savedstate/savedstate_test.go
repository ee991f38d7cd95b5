package savedstate

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/repcore/gtid"
)

func TestOpenFreshFileStartsUndefinedUnsafe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grastate.toml")
	s, err := Open(path)
	require.NoError(t, err)

	assert.True(t, s.GTID().IsUndefined())
	assert.False(t, s.SafeToBootstrap())
	assert.Equal(t, Unsafe, s.CurrentMarker())
}

func TestUpdateThenMarkSafePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grastate.toml")
	s, err := Open(path)
	require.NoError(t, err)

	g := gtid.New(uuid.New(), 42)
	require.NoError(t, s.Update(g))
	require.NoError(t, s.MarkSafe())

	reopened, err := Open(path)
	require.NoError(t, err)
	// Open always rewrites as UNSAFE (a running node can't assert safety
	// about a position it hasn't cleanly shut down at again), but the
	// GTID and prior safe_to_bootstrap intent survive the reload.
	assert.Equal(t, g, reopened.GTID())
	assert.Equal(t, Unsafe, reopened.CurrentMarker())
}

func TestMarkUnsafeThenMarkSafeRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grastate.toml")
	s, err := Open(path)
	require.NoError(t, err)

	g := gtid.New(uuid.New(), 7)
	require.NoError(t, s.Update(g))
	require.NoError(t, s.MarkUnsafe())
	assert.False(t, s.SafeToBootstrap())

	require.NoError(t, s.MarkSafe())
	assert.True(t, s.SafeToBootstrap())
	assert.Equal(t, Safe, s.CurrentMarker())
	assert.Equal(t, g, s.GTID())
}
