package mockserver

import (
	"errors"
	"strconv"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

var errInvalidToken = errors.New("invalid token")

// accessClaims is the identity carried by an access token.
type accessClaims struct {
	Email      string
	SessionID  string
	Generation int64
	ExpiresAt  time.Time
}

// tokenIssuer signs PASETO v4.public access tokens with a per-process key.
type tokenIssuer struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey
}

func newTokenIssuer(issuer string, ttl time.Duration) *tokenIssuer {
	secret := paseto.NewV4AsymmetricSecretKey()
	return &tokenIssuer{
		issuer:    issuer,
		ttl:       ttl,
		clockSkew: 30 * time.Second,
		secret:    secret,
		public:    secret.Public(),
	}
}

func (m *tokenIssuer) Issue(email, sessionID string, gen int64, now time.Time) (string, time.Time) {
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)

	_ = tok.Set("sub", email)
	_ = tok.Set("sid", sessionID)
	_ = tok.Set("gen", strconv.FormatInt(gen, 10))

	return tok.V4Sign(m.secret, nil), exp
}

func (m *tokenIssuer) Verify(token string, now time.Time) (accessClaims, error) {
	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(now.Add(m.clockSkew)))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return accessClaims{}, errInvalidToken
	}

	sub, err := parsed.GetString("sub")
	if err != nil || sub == "" {
		return accessClaims{}, errInvalidToken
	}
	sid, err := parsed.GetString("sid")
	if err != nil || sid == "" {
		return accessClaims{}, errInvalidToken
	}
	rawGen, err := parsed.GetString("gen")
	if err != nil {
		return accessClaims{}, errInvalidToken
	}
	gen, err := strconv.ParseInt(rawGen, 10, 64)
	if err != nil {
		return accessClaims{}, errInvalidToken
	}
	exp, _ := parsed.GetExpiration()

	return accessClaims{Email: sub, SessionID: sid, Generation: gen, ExpiresAt: exp}, nil
}
