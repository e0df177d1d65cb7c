package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chatsync-server/domain"
	"chatsync-server/store"
)

type UserLookup interface {
	UserProfile(ctx context.Context, id domain.UserID) (*domain.UserProfile, error)
}

// Validator resolves HS256 bearer tokens to user profiles.
type Validator struct {
	secret []byte
	users  UserLookup
	now    func() time.Time
}

func NewValidator(secret string, users UserLookup) *Validator {
	return &Validator{secret: []byte(secret), users: users, now: time.Now}
}

func (v *Validator) Validate(ctx context.Context, token string) (*domain.UserProfile, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, domain.AuthError(domain.ReasonMissing)
	}
	// shape check before any crypto
	if strings.Count(token, ".") != 2 {
		return nil, domain.AuthError(domain.ReasonMalformed)
	}

	parsed, err := jwt.Parse(token, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.AuthError(domain.ReasonExpired)
		}
		return nil, domain.AuthError(domain.ReasonMalformed)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, domain.AuthError(domain.ReasonMalformed)
	}
	subject := subjectOf(claims)
	if subject == "" {
		return nil, domain.AuthError(domain.ReasonMalformed)
	}

	profile, err := v.users.UserProfile(ctx, domain.UserID(subject))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.AuthError(domain.ReasonUnknownSubject)
		}
		return nil, fmt.Errorf("auth: resolve subject: %w", err)
	}
	return profile, nil
}

// Issue mints a token accepted by Validate.
func (v *Validator) Issue(userID domain.UserID, ttl time.Duration) (string, error) {
	now := v.now()
	claims := jwt.MapClaims{
		"userId": string(userID),
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func subjectOf(claims jwt.MapClaims) string {
	for _, key := range []string{"userId", "id", "sub"} {
		switch val := claims[key].(type) {
		case string:
			if val != "" {
				return val
			}
		case float64:
			return fmt.Sprintf("%.0f", val)
		}
	}
	return ""
}

// TokenFromRequest reads ?token= first, then an Authorization bearer header.
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
