package token // package token issues and verifies the scoped bearer tokens that gate each lifecycle phase

import (
    "errors" // sentinel errors and errors.Is support
    "time"   // expiry arithmetic

    "github.com/golang-jwt/jwt/v5" // JWT library for creating and parsing signed tokens
)

// Scope identifies the lifecycle phase a bearer token authorizes.
// PROVISIONING tokens are issued at setup and consumed at finalize;
// SESSION tokens are issued at finalize and presented on every
// subsequent session operation.
type Scope string

const (
    ScopeProvisioning Scope = "provisioning"
    ScopeSession      Scope = "session"
)

// TTL returns the lifetime applied to tokens of this scope.  The
// provisioning window is short because the token only needs to survive
// the card-entry flow; the session window matches the maximum rental
// length.
func (s Scope) TTL() time.Duration {
    switch s {
    case ScopeProvisioning:
        return 10 * time.Minute
    case ScopeSession:
        return 3 * time.Hour
    }
    return 0
}

// Verification errors.  Handlers map all three to HTTP 401; they are
// distinct so logs and tests can tell a replayed stale token from a
// forged one or one presented at the wrong phase.
var (
    ErrTokenInvalid  = errors.New("token invalid")
    ErrTokenExpired  = errors.New("token expired")
    ErrScopeMismatch = errors.New("token scope mismatch")
)

// Claims is the payload embedded in every token.  Subject carries the
// session ID for SESSION tokens.  PROVISIONING tokens instead carry the
// pod, the setup intent being confirmed and a pre-generated
// provisioning ID; their Subject is empty.  Tokens are stateless
// bearer credentials with no server-side record: validity is purely
// signature plus expiry, and revocation is not supported.
type Claims struct {
    Scope          Scope  `json:"scope"`
    PodID          string `json:"pod_id,omitempty"`
    SetupIntentID  string `json:"setup_intent_id,omitempty"`
    ProvisioningID string `json:"provisioning_id,omitempty"`
    jwt.RegisteredClaims
}

// Issuer signs and verifies tokens with a shared HS256 secret.
type Issuer struct {
    secret []byte
}

// NewIssuer returns an Issuer signing with the given secret.
func NewIssuer(secret string) *Issuer { return &Issuer{secret: []byte(secret)} }

// Issue signs the given claims with the TTL of their scope.  IssuedAt
// and ExpiresAt are set here; callers populate only the scope and the
// identifying fields.
func (i *Issuer) Issue(c Claims) (string, error) {
    now := time.Now().UTC()
    c.IssuedAt = jwt.NewNumericDate(now)
    c.ExpiresAt = jwt.NewNumericDate(now.Add(c.Scope.TTL()))
    t := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
    return t.SignedString(i.secret)
}

// Verify parses and validates a token and checks that its embedded
// scope matches the expected one.  It returns ErrTokenExpired for a
// stale token, ErrScopeMismatch for a token presented at the wrong
// lifecycle phase, and ErrTokenInvalid for anything else that fails
// signature or structural checks.
func (i *Issuer) Verify(raw string, want Scope) (*Claims, error) {
    var claims Claims
    tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
        if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
            return nil, ErrTokenInvalid
        }
        return i.secret, nil
    })
    if err != nil {
        if errors.Is(err, jwt.ErrTokenExpired) {
            return nil, ErrTokenExpired
        }
        return nil, ErrTokenInvalid
    }
    if !tok.Valid {
        return nil, ErrTokenInvalid
    }
    if claims.Scope != want {
        return nil, ErrScopeMismatch
    }
    return &claims, nil
}
