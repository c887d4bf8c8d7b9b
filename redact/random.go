package redact

import (
	"crypto/rand"
	"math/big"
)

const secretLetters = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-_"

// RandomSecret returns a securely generated string of n characters. It fails
// only when the system's random source does.
func RandomSecret(n int) (string, error) {
	ret := make([]byte, n)
	max := big.NewInt(int64(len(secretLetters)))
	for i := range n {
		num, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		ret[i] = secretLetters[num.Int64()]
	}
	return string(ret), nil
}
