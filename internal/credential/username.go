package credential

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"math/big"

	"golang.org/x/crypto/sha3"

	"github.com/edvin/dbsync/internal/model"
)

const (
	usernamePrefix = "dmtr_dbsync1"
	usernameLength = 32
	passwordLength = 16
	passwordChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

var usernameEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// Username derives the database role of the port name/namespace. The result
// is stable, lower case and a valid unquoted Postgres identifier.
func Username(name, namespace string) (string, error) {
	if name == "" || namespace == "" {
		return "", model.EncodingError("derive username", fmt.Errorf("name and namespace are required, got %q/%q", namespace, name))
	}
	sum := sha3.Sum256([]byte(name + "." + namespace))
	u := usernamePrefix + usernameEncoding.EncodeToString(sum[:])
	return u[:usernameLength], nil
}

// NewPassword returns a random alphanumeric password.
func NewPassword() (string, error) {
	limit := big.NewInt(int64(len(passwordChars)))
	b := make([]byte, passwordLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		b[i] = passwordChars[n.Int64()]
	}
	return string(b), nil
}
