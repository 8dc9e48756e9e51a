package authn

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/orchestra-labs/agentcore/internal/apperr"
)

// Claims is the normalized set of fields pulled off a verified access token,
// covering the required claim set and the optional email-verification grace
// period marker.
type Claims struct {
	Subject       string
	TokenUse      string
	Issuer        string
	Audience      []string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	EmailVerified *bool // nil means the claim was absent (legacy token)
	Scopes        ScopeSet
	Raw           map[string]any
}

// IsServiceAccount reports whether Subject identifies a service account
// rather than a user.
func (c Claims) IsServiceAccount() bool {
	return strings.HasPrefix(c.Subject, "service-account:")
}

// IsUser reports whether Subject identifies a user.
func (c Claims) IsUser() bool {
	return strings.HasPrefix(c.Subject, "user:")
}

// VerifierConfig tunes clock-skew tolerance and accepted issuer/audience.
type VerifierConfig struct {
	Issuer          string
	Audience        string
	ClockSkew       time.Duration
	RequireEmailVerified bool
}

// Verifier validates bearer access tokens against a rotatable KeySet.
type Verifier struct {
	keys VerifierKeySet
	cfg  VerifierConfig
}

// VerifierKeySet is the subset of *KeySet the verifier depends on, so tests
// can substitute a fixed single-key set.
type VerifierKeySet interface {
	Keyfunc(token *jwt.Token) (any, error)
}

// NewVerifier constructs a Verifier.
func NewVerifier(keys VerifierKeySet, cfg VerifierConfig) *Verifier {
	return &Verifier{keys: keys, cfg: cfg}
}

var errUnauthenticated = apperr.New(apperr.KindUnauthenticated, "invalid_token", "invalid or expired access token")

// Verify parses and validates raw, enforcing the required claim set,
// issuer/audience, clock skew tolerance, and token_use. It does not enforce
// scope/role — callers do that separately with the returned Claims.
func (v *Verifier) Verify(raw string) (Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithLeeway(v.cfg.ClockSkew),
	)
	token, err := parser.Parse(raw, v.keys.Keyfunc)
	if err != nil || !token.Valid {
		return Claims{}, apperr.Wrap(apperr.KindUnauthenticated, "invalid_token", "invalid or expired access token", err)
	}
	payload, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, errUnauthenticated
	}

	iat, err := payload.GetIssuedAt()
	if err != nil || iat == nil {
		return Claims{}, apperr.New(apperr.KindUnauthenticated, "missing_iat", "token missing iat claim")
	}
	exp, err := payload.GetExpirationTime()
	if err != nil || exp == nil {
		return Claims{}, apperr.New(apperr.KindUnauthenticated, "missing_exp", "token missing exp claim")
	}
	sub, err := payload.GetSubject()
	if err != nil || sub == "" {
		return Claims{}, apperr.New(apperr.KindUnauthenticated, "missing_sub", "token missing sub claim")
	}
	iss, _ := payload.GetIssuer()
	if v.cfg.Issuer != "" && iss != v.cfg.Issuer {
		return Claims{}, apperr.New(apperr.KindUnauthenticated, "bad_issuer", "unexpected token issuer")
	}
	aud, _ := payload.GetAudience()
	if v.cfg.Audience != "" && !containsString(aud, v.cfg.Audience) {
		return Claims{}, apperr.New(apperr.KindUnauthenticated, "bad_audience", "unexpected token audience")
	}
	tokenUse, _ := payload["token_use"].(string)
	if tokenUse == "" {
		return Claims{}, apperr.New(apperr.KindUnauthenticated, "missing_token_use", "token missing token_use claim")
	}

	var emailVerified *bool
	if raw, ok := payload["email_verified"]; ok {
		if b, ok := raw.(bool); ok {
			emailVerified = &b
		}
	}
	if v.cfg.RequireEmailVerified && emailVerified != nil && !*emailVerified {
		return Claims{}, apperr.New(apperr.KindForbidden, "email_unverified", "email verification required")
	}

	return Claims{
		Subject:       sub,
		TokenUse:      tokenUse,
		Issuer:        iss,
		Audience:      aud,
		IssuedAt:      iat.Time,
		ExpiresAt:     exp.Time,
		EmailVerified: emailVerified,
		Scopes:        ScopeSetFromClaim(payload),
		Raw:           payload,
	}, nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
