package lock

import (
    "context"
    "crypto/rand"
    "encoding/base64"
    "errors"
    "fmt"
    "math/big"
    "time"

    "golang.org/x/crypto/chacha20poly1305"
)

// defaultStaticCodes are the pre-shared keypad codes physically
// configured on static locks.  Pods running in static mode all share
// this pool; a session is handed one of them at random.
var defaultStaticCodes = []string{"14231", "33421", "21443", "14243", "34211", "12344"}

// StaticBackend serves access codes from a fixed pre-shared list
// instead of a live lock API.  Codes are never stored in the clear:
// CreateCode seals the chosen code with an AEAD under a fresh random
// nonce and the resulting nonce||ciphertext token, base64url encoded,
// is the code reference persisted on the session.  There is no
// external round trip, so this path can only fail on encryption
// configuration.
type StaticBackend struct {
    key   []byte
    codes []string
}

// NewStaticBackend builds a StaticBackend from a base64url-encoded
// 256-bit key.  An optional code list overrides the default pool.
func NewStaticBackend(b64Key string, codes []string) (*StaticBackend, error) {
    key, err := base64.URLEncoding.DecodeString(b64Key)
    if err != nil {
        return nil, fmt.Errorf("decode static code key: %w", err)
    }
    if len(key) != chacha20poly1305.KeySize {
        return nil, fmt.Errorf("static code key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
    }
    if len(codes) == 0 {
        codes = defaultStaticCodes
    }
    return &StaticBackend{key: key, codes: codes}, nil
}

// CreateCode picks one code at random from the pool and returns it
// sealed as an opaque reference.  The device and start time are
// irrelevant in static mode.
func (b *StaticBackend) CreateCode(_ context.Context, _ string, _ time.Time) (string, error) {
    n, err := rand.Int(rand.Reader, big.NewInt(int64(len(b.codes))))
    if err != nil {
        return "", err
    }
    return b.seal(b.codes[n.Int64()])
}

// DeleteCode is a no-op: static codes live on the lock hardware and
// are never revoked per session.
func (b *StaticBackend) DeleteCode(context.Context, string) error { return nil }

// ReadCode decrypts a code reference back to the keypad digits.
func (b *StaticBackend) ReadCode(_ context.Context, codeRef string) (string, error) {
    data, err := base64.URLEncoding.DecodeString(codeRef)
    if err != nil {
        return "", fmt.Errorf("decode code reference: %w", err)
    }
    aead, err := chacha20poly1305.NewX(b.key)
    if err != nil {
        return "", err
    }
    if len(data) < aead.NonceSize() {
        return "", errors.New("code reference too short")
    }
    nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
    plain, err := aead.Open(nil, nonce, ciphertext, nil)
    if err != nil {
        return "", fmt.Errorf("decrypt code reference: %w", err)
    }
    return string(plain), nil
}

// IsLocked always reports locked: static locks have no telemetry.
func (b *StaticBackend) IsLocked(context.Context, string) (bool, error) { return true, nil }

// seal encrypts a code under a fresh random nonce and encodes
// nonce||ciphertext as a base64url token.
func (b *StaticBackend) seal(code string) (string, error) {
    aead, err := chacha20poly1305.NewX(b.key)
    if err != nil {
        return "", err
    }
    nonce := make([]byte, aead.NonceSize())
    if _, err := rand.Read(nonce); err != nil {
        return "", err
    }
    sealed := aead.Seal(nil, nonce, []byte(code), nil)
    return base64.URLEncoding.EncodeToString(append(nonce, sealed...)), nil
}
