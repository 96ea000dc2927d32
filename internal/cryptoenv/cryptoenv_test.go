package cryptoenv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNonce_EpochBinding(t *testing.T) {
	n, err := NewNonce(42)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), EpochOf(n))
}

func TestNonce_Uniqueness(t *testing.T) {
	seen := make(map[[NonceSize]byte]bool)
	for i := 0; i < 1000; i++ {
		n, err := NewNonce(1)
		require.NoError(t, err)
		require.False(t, seen[n], "nonce collision")
		seen[n] = true
	}
}

func sealOpenRoundTrip(t *testing.T, algo Algorithm) {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	nonce, err := NewNonce(1)
	require.NoError(t, err)
	ad := AssociatedData("events", 1, "2026/08/01", 3)
	plaintext := []byte("columnar payload bytes")

	env, err := Seal(algo, key, 1, nonce, ad, plaintext)
	require.NoError(t, err)

	got, err := Open(key, env)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEnvelope_RoundTrip_AESGCM(t *testing.T) {
	sealOpenRoundTrip(t, AlgorithmAESGCM)
}

func TestEnvelope_RoundTrip_ChaCha20Poly1305(t *testing.T) {
	sealOpenRoundTrip(t, AlgorithmChaCha20Poly1305)
}

func TestEnvelope_OpenFailsOnTamperedCiphertext(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	nonce, err := NewNonce(1)
	require.NoError(t, err)
	ad := AssociatedData("events", 1, "2026/08/01", 1)

	env, err := Seal(AlgorithmAESGCM, key, 1, nonce, ad, []byte("secret"))
	require.NoError(t, err)
	env.Ciphertext[0] ^= 0xFF

	_, err = Open(key, env)
	assert.Error(t, err)
}

func TestEnvelope_OpenFailsOnWrongKey(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	other, err := GenerateKey()
	require.NoError(t, err)
	nonce, err := NewNonce(1)
	require.NoError(t, err)
	ad := AssociatedData("events", 1, "2026/08/01", 1)

	env, err := Seal(AlgorithmAESGCM, key, 1, nonce, ad, []byte("secret"))
	require.NoError(t, err)

	_, err = Open(other, env)
	assert.Error(t, err)
}

func TestEnvelope_OpenFailsOnWrongAssociatedData(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	nonce, err := NewNonce(1)
	require.NoError(t, err)

	env, err := Seal(AlgorithmAESGCM, key, 1, nonce, AssociatedData("events", 1, "2026/08/01", 1), []byte("secret"))
	require.NoError(t, err)
	env.AssociatedData = AssociatedData("frames", 1, "2026/08/01", 1)

	_, err = Open(key, env)
	assert.Error(t, err)
}

func TestDeriveKey_Deterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")
	a := DeriveKey([]byte("correct horse battery staple"), salt, DefaultArgon2Params)
	b := DeriveKey([]byte("correct horse battery staple"), salt, DefaultArgon2Params)
	assert.Equal(t, a, b)
}

func TestKeyRing_RotateAndRetire(t *testing.T) {
	locker := NoopMemoryLocker{}
	k1, err := GenerateKey()
	require.NoError(t, err)
	kr, err := NewKeyRing(locker, Epoch{Number: 1, Key: k1})
	require.NoError(t, err)

	assert.Equal(t, uint32(1), kr.Current().Number)

	k2, err := GenerateKey()
	require.NoError(t, err)
	require.NoError(t, kr.Rotate(Epoch{Number: 2, Key: k2}))
	assert.Equal(t, uint32(2), kr.Current().Number)

	// old epoch still decryptable
	got, ok := kr.Get(1)
	require.True(t, ok)
	assert.Equal(t, k1, got)

	kr.Retire(1)
	_, ok = kr.Get(1)
	assert.False(t, ok)
}

func TestFileKeyStore_StoreLoadDelete(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	store, err := NewFileKeyStore(dir)
	require.NoError(t, err)

	key, err := GenerateKey()
	require.NoError(t, err)
	require.NoError(t, store.Store(Epoch{Number: 7, Key: key}))

	epochs, err := store.Load()
	require.NoError(t, err)
	require.Len(t, epochs, 1)
	assert.Equal(t, uint32(7), epochs[0].Number)
	assert.Equal(t, key, epochs[0].Key)

	require.NoError(t, store.Delete(7))
	epochs, err = store.Load()
	require.NoError(t, err)
	assert.Empty(t, epochs)
}
