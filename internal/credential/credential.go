// Package credential handles the upstream bearer credential: normalizing
// what the browser hands back, reading its claims, and deciding whether it
// can still be used.
package credential

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kylemclaren/checkin-tasks/internal/db"
)

// Claims are the fields we read from the credential. The signature is never
// verified: we are not the audience, the upstream service is.
type Claims struct {
	Subject   string
	ExpiresAt int64
}

// ExpString renders ExpiresAt the way the registry stores it
func (c Claims) ExpString() string {
	return strconv.FormatInt(c.ExpiresAt, 10)
}

// Normalize undoes URL encoding and strips an optional "Bearer " scheme prefix.
func Normalize(raw string) string {
	token := strings.TrimSpace(raw)
	if unescaped, err := url.QueryUnescape(token); err == nil {
		token = unescaped
	}
	token = strings.Trim(token, `"`)
	if len(token) >= 7 && strings.EqualFold(token[:7], "bearer ") {
		token = token[7:]
	}
	return strings.TrimSpace(token)
}

// Decode reads sub and exp from a normalized credential without verifying it.
func Decode(token string) (Claims, error) {
	if token == "" {
		return Claims{}, errors.New("empty token")
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return Claims{}, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, errors.New("invalid token claims")
	}

	var c Claims
	if sub, err := claims.GetSubject(); err == nil {
		c.Subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Unix()
	}
	return c, nil
}

// Reason explains why a credential is unusable
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonNoToken       Reason = "no_token"
	ReasonInvalidExpiry Reason = "invalid_expiry"
	ReasonExpired       Reason = "expired"
)

// Status is the outcome of Check
type Status struct {
	Usable  bool
	Reason  Reason
	Message string
	// ExpiresAt is the parsed expiry, zero when it could not be parsed.
	ExpiresAt time.Time
}

// Check decides whether u's credential may be used at now. It is usable iff
// present, its expiry parses as an integer, and that integer is strictly
// greater than now.
func Check(u *db.User, now time.Time) Status {
	if u == nil || u.Authorization == "" {
		return Status{Reason: ReasonNoToken, Message: "未设置打卡凭证"}
	}

	exp, err := strconv.ParseInt(strings.TrimSpace(u.JWTExp), 10, 64)
	if err != nil || exp <= 0 {
		return Status{Reason: ReasonInvalidExpiry, Message: "打卡凭证无效"}
	}

	expiresAt := time.Unix(exp, 0)
	if now.Unix() >= exp {
		days := (now.Unix() - exp) / 86400
		return Status{
			Reason:    ReasonExpired,
			Message:   fmt.Sprintf("打卡凭证已过期 %d 天", days),
			ExpiresAt: expiresAt,
		}
	}
	return Status{Usable: true, ExpiresAt: expiresAt}
}

// Remaining returns the time left before u's credential expires. ok is false
// when there is no credential or no parseable expiry.
func Remaining(u *db.User, now time.Time) (time.Duration, bool) {
	if u == nil || u.Authorization == "" {
		return 0, false
	}
	exp, err := strconv.ParseInt(strings.TrimSpace(u.JWTExp), 10, 64)
	if err != nil || exp <= 0 {
		return 0, false
	}
	return time.Unix(exp, 0).Sub(now), true
}
