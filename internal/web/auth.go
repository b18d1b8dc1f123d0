package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const (
	defaultTokenTTL = 24 * time.Hour
	tokenIssuer     = "cryptodca"
	callerKey       = "caller"
)

// Claims identify the caller by address in the subject.
type Claims struct {
	jwt.RegisteredClaims
}

// Authenticator signs and verifies HS256 caller tokens.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthenticator creates an authenticator. A zero ttl means 24h.
func NewAuthenticator(secret string, ttl time.Duration) (*Authenticator, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Sign issues a token for address.
func (a *Authenticator) Sign(address common.Address) (string, time.Time, error) {
	if address == (common.Address{}) {
		return "", time.Time{}, errors.New("cannot issue a token for the zero address")
	}
	now := a.now().UTC()
	expiresAt := now.Add(a.ttl)
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   address.Hex(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "sign token")
	}
	return token, expiresAt, nil
}

// Verify returns the caller address carried by token.
func (a *Authenticator) Verify(token string) (common.Address, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return a.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		return common.Address{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return common.Address{}, errors.New("invalid token")
	}
	if !common.IsHexAddress(claims.Subject) {
		return common.Address{}, errors.Errorf("subject %q is not an address", claims.Subject)
	}
	return common.HexToAddress(claims.Subject), nil
}

// requireCaller rejects requests without a valid bearer token and stores the caller address.
func (a *Authenticator) requireCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			abort(c, http.StatusUnauthorized, "missing bearer token")
			return
		}
		caller, err := a.Verify(strings.TrimSpace(token))
		if err != nil {
			abort(c, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

func callerOf(c *gin.Context) common.Address {
	v, _ := c.Get(callerKey)
	caller, _ := v.(common.Address)
	return caller
}
