package realtime

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrAuthInvalid = errors.New("authentication failed")

// SessionClaims is the identity a verified session token carries.
// Session issuance happens in the api layer; the bus only verifies.
type SessionClaims struct {
	OrgId  Id
	UserId Id
}

type SessionVerifier interface {
	Verify(token string) (*SessionClaims, error)
}

// JwtSessionVerifier verifies hmac-signed session tokens with `org_id` and
// `user_id` claims. The signing secret is shared with the api layer.
type JwtSessionVerifier struct {
	secret []byte
}

func NewJwtSessionVerifier(secret []byte) *JwtSessionVerifier {
	return &JwtSessionVerifier{
		secret: secret,
	}
}

func (self *JwtSessionVerifier) Verify(token string) (*SessionClaims, error) {
	parsed, err := gojwt.Parse(
		token,
		func(token *gojwt.Token) (any, error) {
			return self.secret, nil
		},
		gojwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAuthInvalid, err)
	}

	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, ErrAuthInvalid
	}

	sessionClaims := &SessionClaims{}

	if orgIdStr, ok := claims["org_id"].(string); ok {
		if orgId, err := ParseId(orgIdStr); err == nil {
			sessionClaims.OrgId = orgId
		}
	}
	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			sessionClaims.UserId = userId
		}
	}

	if (sessionClaims.OrgId == Id{}) {
		return nil, fmt.Errorf("%w: missing org_id", ErrAuthInvalid)
	}
	if (sessionClaims.UserId == Id{}) {
		return nil, fmt.Errorf("%w: missing user_id", ErrAuthInvalid)
	}

	return sessionClaims, nil
}

// MintSessionToken signs a session token for the given identity.
// Used by the api layer and by `realtimed mint` for ops testing.
func MintSessionToken(secret []byte, orgId Id, userId Id, expiresIn time.Duration) (string, error) {
	now := time.Now()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"org_id":  orgId.String(),
		"user_id": userId.String(),
		"iat":     now.Unix(),
		"exp":     now.Add(expiresIn).Unix(),
	})
	return token.SignedString(secret)
}
