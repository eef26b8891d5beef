package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewProducesVerifiableSignatures(t *testing.T) {
	id, err := New()
	require.NoError(t, err)

	msg := []byte("hello meshconn")
	sig := id.SignMessage(msg)
	require.True(t, Verify(id.Public(), msg, sig))
	require.False(t, Verify(id.Public(), []byte("tampered"), sig))
}

func TestPrecomputeIsSymmetric(t *testing.T) {
	alice, err := New()
	require.NoError(t, err)
	bob, err := New()
	require.NoError(t, err)

	sharedA := alice.Precompute(bob.Public())
	sharedB := bob.Precompute(alice.Public())
	require.Equal(t, *sharedA, *sharedB)
}

func TestLoadCreatesOnFirstUseAndIsStable(t *testing.T) {
	dir := t.TempDir()
	signPath := filepath.Join(dir, "sign.pem")
	boxPath := filepath.Join(dir, "box.pem")

	first, err := Load(signPath, boxPath)
	require.NoError(t, err)

	_, errSign := os.Stat(signPath)
	require.NoError(t, errSign)
	_, errBox := os.Stat(boxPath)
	require.NoError(t, errBox)

	second, err := Load(signPath, boxPath)
	require.NoError(t, err)

	require.True(t, first.Public().Equal(second.Public()))
}

func TestPublicIdentityEqual(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)

	require.True(t, a.Public().Equal(a.Public()))
	require.False(t, a.Public().Equal(b.Public()))
}
