package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pliu/alumnichat/internal/models"
)

// UserIDClaim is the claim carrying the user identifier.
const UserIDClaim = "user_id"

// Claims is the payload of an access token.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// UserLookup resolves a user identifier to a user.
type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// Resolver turns a bearer token into a user. A nil user means anonymous.
type Resolver struct {
	Secret []byte
	Users  UserLookup
	Now    func() time.Time
}

func NewResolver(secret []byte, users UserLookup) *Resolver {
	return &Resolver{Secret: secret, Users: users, Now: time.Now}
}

// Resolve never fails: any decode, signature, expiry or lookup problem
// resolves to anonymous. Deactivated users resolve to anonymous too.
func (r *Resolver) Resolve(ctx context.Context, token string) *models.User {
	if token == "" || len(r.Secret) == 0 {
		return nil
	}
	userID, err := r.verify(token)
	if err != nil {
		return nil
	}
	user, err := r.Users.GetUserByID(ctx, userID)
	if err != nil || user == nil || !user.IsActive {
		return nil
	}
	return user
}

func (r *Resolver) verify(token string) (string, error) {
	now := r.Now
	if now == nil {
		now = time.Now
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return r.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	)
	if err != nil {
		return "", err
	}
	if claims.UserID == "" {
		return "", jwt.ErrTokenInvalidClaims
	}
	return claims.UserID, nil
}

// Sign issues a token for userID that expires ttl after now.
func Sign(secret []byte, userID string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ExtractToken pulls the token out of a raw query string: the text after
// the first "token=" up to the next "&", trimmed of quotes and spaces.
func ExtractToken(rawQuery string) string {
	_, after, found := strings.Cut(rawQuery, "token=")
	if !found {
		return ""
	}
	token, _, _ := strings.Cut(after, "&")
	return strings.Trim(token, "\"' ")
}

// BearerToken parses an "Authorization: Bearer <token>" header value.
func BearerToken(header string) string {
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
