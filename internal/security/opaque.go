package security

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// NewOpaqueToken returns a random single-use token for activation, reset
// and magic-link flows.
func NewOpaqueToken() string {
	return uuid.NewString()
}

// NewOTP returns a numeric one-time code with the given number of digits.
func NewOTP(digits int) (string, error) {
	if digits <= 0 {
		digits = 6
	}
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n.Int64()), nil
}
