package testutil

import (
	"time"

	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/auth"
)

var JWTSecret = []byte("test-secret")

// TokenFor signs a bearer token for userID with the shared test secret.
func TokenFor(userID int64) (string, error) {
	return auth.IssueToken(JWTSecret, userID, time.Hour)
}
