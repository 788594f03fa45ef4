package auth

import (
	"crypto/rsa"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const testIssuer = "MITBLR_CLUB_API_test"

var (
	keyOnce sync.Once
	keyA    *rsa.PrivateKey
	keyB    *rsa.PrivateKey
	keyErr  error
)

// testKeys returns two distinct keys shared by the package's tests.
func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	keyOnce.Do(func() {
		if keyA, keyErr = GenerateKey(); keyErr != nil {
			return
		}
		keyB, keyErr = GenerateKey()
	})
	require.NoError(t, keyErr)
	return keyA, keyB
}
