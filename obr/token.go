package obr

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"git.sr.ht/~aondrejcak/finpulse-api/models"
)

// tokenExpiryMargin keeps a safety window before the real expiry.
// A cached token with less than this left is refreshed.
const tokenExpiryMargin = 60 * time.Second

// defaultTokenLifetime applies when the bank issues a token without
// an exp claim.
const defaultTokenLifetime = 5 * time.Minute

var rsaAlgs = map[string]bool{
	"RS256": true,
	"RS384": true,
	"RS512": true,
}

// TokenStore caches one service token per bank. Get returns nil with
// no error when nothing is cached.
type TokenStore interface {
	Get(bankID string) (*models.BankToken, error)
	Put(token *models.BankToken) error
	Invalidate(bankID string) error
}

type jwksResolver interface {
	Keyfunc(token *jwt.Token) (interface{}, error)
}

// Token returns a valid service token for this bank, reusing the
// cached one when it still has more than the expiry margin left.
// Concurrent callers are serialized so only one grant runs at a time.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, err := c.tokens.Get(c.cfg.BankID); err == nil && cached != nil {
		if cached.ExpiresAt.After(c.now().Add(tokenExpiryMargin)) {
			return cached.AccessToken, nil
		}
	}

	return c.refreshToken(ctx)
}

func (c *Client) refreshToken(ctx context.Context) (string, error) {
	query := url.Values{}
	query.Set("client_id", c.cfg.ClientID)
	query.Set("client_secret", c.cfg.ClientSecret)

	payload, err := c.callMap(ctx, callOpts{
		method: http.MethodPost,
		path:   "/auth/bank-token",
		query:  query,
		noAuth: true,
	})
	if err != nil {
		return "", err
	}

	raw := probeString(payload, "access_token", "token", "accessToken")
	if raw == "" {
		if data := dataOf(payload); data != nil {
			raw = probeString(data, "access_token", "token", "accessToken")
		}
	}
	if raw == "" {
		return "", &ProtocolViolationError{Reason: "token response carries no access token"}
	}

	expiresAt, err := c.validateBankToken(ctx, raw)
	if err != nil {
		return "", err
	}

	if err := c.tokens.Put(&models.BankToken{
		BankID:      c.cfg.BankID,
		AccessToken: raw,
		ExpiresAt:   expiresAt,
	}); err != nil {
		c.log.Warn().Err(err).Msg("failed to cache bank token")
	}

	return raw, nil
}

// validateBankToken verifies the JWT the bank issued. RSA-signed
// tokens are checked against the bank's JWKS endpoint by kid; any
// other algorithm is accepted with a warning, since not every sandbox
// bank publishes keys.
func (c *Client) validateBankToken(ctx context.Context, raw string) (time.Time, error) {
	parser := jwt.NewParser()
	unverified, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, &SignatureValidationError{Reason: "token is not a parsable JWT", Err: err}
	}

	claims := unverified.Claims.(jwt.MapClaims)
	alg := unverified.Method.Alg()

	if rsaAlgs[alg] {
		resolver, err := c.jwksKeyfunc(ctx)
		if err != nil {
			return time.Time{}, &SignatureValidationError{Reason: "could not load bank JWKS", Err: err}
		}

		verified, err := jwt.Parse(raw, resolver.Keyfunc,
			jwt.WithValidMethods([]string{alg}))
		if err != nil {
			return time.Time{}, &SignatureValidationError{Reason: "signature rejected", Err: err}
		}
		claims = verified.Claims.(jwt.MapClaims)
	} else {
		c.log.Warn().Str("alg", alg).
			Msg("bank token is not RSA signed, skipping signature verification")
	}

	return c.tokenExpiry(claims), nil
}

func (c *Client) tokenExpiry(claims jwt.MapClaims) time.Time {
	if exp, ok := claims["exp"].(float64); ok && exp > 0 {
		return time.Unix(int64(exp), 0)
	}
	return c.now().Add(defaultTokenLifetime)
}

func (c *Client) jwksKeyfunc(ctx context.Context) (jwksResolver, error) {
	if c.jwks != nil {
		return c.jwks, nil
	}

	jwks, err := keyfunc.Get(c.cfg.BaseURL+"/.well-known/jwks.json", keyfunc.Options{
		Ctx: ctx,
	})
	if err != nil {
		return nil, err
	}

	c.jwks = jwks
	return jwks, nil
}
