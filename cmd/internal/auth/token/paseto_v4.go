// Package token verifies the access tokens minted by the external session service.
//
// Tokens are PASETO v4.public, signed with Ed25519. This service only holds the
// public key; Signer exists so tests and local tooling can mint tokens.
package token

import (
	"errors"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

var (
	// ErrInvalidToken is returned when an access token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid token config")
)

// Claims is the minimal identity envelope propagated across HTTP/WS.
type Claims struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
}

// Verifier validates a bearer token and returns its claims.
type Verifier interface {
	Verify(token string, now time.Time) (Claims, error)
}

type Config struct {
	PublicKeyHex string
	Issuer       string
	ClockSkew    time.Duration
}

type v4PublicVerifier struct {
	issuer    string
	clockSkew time.Duration
	public    paseto.V4AsymmetricPublicKey
}

// NewV4PublicVerifier builds a Verifier from a hex-encoded Ed25519 public key.
func NewV4PublicVerifier(cfg Config) (Verifier, error) {
	if cfg.Issuer == "" {
		return nil, ErrConfig
	}
	public, err := paseto.NewV4AsymmetricPublicKeyFromHex(cfg.PublicKeyHex)
	if err != nil {
		return nil, ErrConfig
	}
	return &v4PublicVerifier{
		issuer:    cfg.Issuer,
		clockSkew: cfg.ClockSkew,
		public:    public,
	}, nil
}

func (v *v4PublicVerifier) Verify(token string, now time.Time) (Claims, error) {
	if token == "" {
		return Claims{}, ErrInvalidToken
	}

	// Validate slightly in the future so a small clock difference does not fail "nbf".
	validNow := now.Add(v.clockSkew)

	// Fresh parser per call; rules accumulate otherwise.
	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(v.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(v.public, token, nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return Claims{}, ErrInvalidToken
	}
	sid, _ := parsed.GetString("sid")
	iss, _ := parsed.GetIssuer()
	exp, _ := parsed.GetExpiration()
	iat, _ := parsed.GetIssuedAt()

	return Claims{
		UserID:    uid,
		SessionID: sid,
		ExpiresAt: exp,
		IssuedAt:  iat,
		Issuer:    iss,
	}, nil
}

// Signer mints v4.public access tokens.
type Signer struct {
	issuer string
	ttl    time.Duration
	secret paseto.V4AsymmetricSecretKey
}

// NewSigner returns a Signer for a hex secret key, or a freshly generated key when empty.
func NewSigner(secretHex, issuer string, ttl time.Duration) (*Signer, error) {
	if issuer == "" || ttl <= 0 {
		return nil, ErrConfig
	}
	var secret paseto.V4AsymmetricSecretKey
	if secretHex == "" {
		secret = paseto.NewV4AsymmetricSecretKey()
	} else {
		s, err := paseto.NewV4AsymmetricSecretKeyFromHex(secretHex)
		if err != nil {
			return nil, ErrConfig
		}
		secret = s
	}
	return &Signer{issuer: issuer, ttl: ttl, secret: secret}, nil
}

func (s *Signer) PublicKeyHex() string {
	return s.secret.Public().ExportHex()
}

func (s *Signer) Issue(userID, sessionID string, now time.Time) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, ErrInvalidToken
	}
	exp := now.Add(s.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(s.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)

	_ = tok.Set("uid", userID)
	if sessionID != "" {
		_ = tok.Set("sid", sessionID)
	}

	return tok.V4Sign(s.secret, nil), exp, nil
}
