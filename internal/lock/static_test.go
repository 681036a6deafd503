package lock

import (
    "context"
    "crypto/rand"
    "encoding/base64"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "golang.org/x/crypto/chacha20poly1305"
)

func testKey(t *testing.T) string {
    t.Helper()
    key := make([]byte, chacha20poly1305.KeySize)
    _, err := rand.Read(key)
    require.NoError(t, err)
    return base64.URLEncoding.EncodeToString(key)
}

func TestStaticBackendRoundTrip(t *testing.T) {
    b, err := NewStaticBackend(testKey(t), nil)
    require.NoError(t, err)

    ref, err := b.CreateCode(context.Background(), "ignored", time.Now())
    require.NoError(t, err)
    assert.NotEmpty(t, ref)

    code, err := b.ReadCode(context.Background(), ref)
    require.NoError(t, err)
    assert.Contains(t, defaultStaticCodes, code)
}

func TestStaticBackendFreshNoncePerCode(t *testing.T) {
    b, err := NewStaticBackend(testKey(t), []string{"55555"})
    require.NoError(t, err)

    ref1, err := b.CreateCode(context.Background(), "", time.Now())
    require.NoError(t, err)
    ref2, err := b.CreateCode(context.Background(), "", time.Now())
    require.NoError(t, err)

    // Same plaintext code, but every sealing uses a fresh nonce.
    assert.NotEqual(t, ref1, ref2)
}

func TestStaticBackendRejectsWrongKey(t *testing.T) {
    b1, err := NewStaticBackend(testKey(t), nil)
    require.NoError(t, err)
    b2, err := NewStaticBackend(testKey(t), nil)
    require.NoError(t, err)

    ref, err := b1.CreateCode(context.Background(), "", time.Now())
    require.NoError(t, err)

    _, err = b2.ReadCode(context.Background(), ref)
    assert.Error(t, err)
}

func TestStaticBackendRejectsGarbageRef(t *testing.T) {
    b, err := NewStaticBackend(testKey(t), nil)
    require.NoError(t, err)

    _, err = b.ReadCode(context.Background(), "%%not-base64%%")
    assert.Error(t, err)

    _, err = b.ReadCode(context.Background(), base64.URLEncoding.EncodeToString([]byte("short")))
    assert.Error(t, err)
}

func TestNewStaticBackendKeyValidation(t *testing.T) {
    _, err := NewStaticBackend("not base64!", nil)
    assert.Error(t, err)

    _, err = NewStaticBackend(base64.URLEncoding.EncodeToString([]byte("too-short")), nil)
    assert.Error(t, err)
}

func TestStaticBackendDeleteAndLockState(t *testing.T) {
    b, err := NewStaticBackend(testKey(t), nil)
    require.NoError(t, err)

    assert.NoError(t, b.DeleteCode(context.Background(), "anything"))

    locked, err := b.IsLocked(context.Background(), "any-device")
    require.NoError(t, err)
    assert.True(t, locked)
}
