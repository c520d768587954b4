// Package prehash computes the client side of the password exchange: a
// bcrypt hash made with a salt chosen up front, so that every client of an
// account derives the same string from the same password.
//
// golang.org/x/crypto/bcrypt always draws a fresh salt, so the key schedule
// is driven through golang.org/x/crypto/blowfish directly.
package prehash

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"courier/models"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/blowfish"
)

const (
	alphabet        = "./ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	saltLen         = 16
	encodedSaltLen  = 22
	hashBytes       = 23
	maxPasswordLen  = 72
	defaultVersion  = "2b"
	magicCipherText = "OrpheanBeholderScryDoubt"
)

var encoding = base64.NewEncoding(alphabet)

// NewPrefix returns a fresh "$2b$<cost>$<salt>" prefix.
func NewPrefix(cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return "", fmt.Errorf("bcrypt cost %d out of range", cost)
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	return fmt.Sprintf("$%s$%02d$%s", defaultVersion, cost, encode(salt)), nil
}

// Hash returns the full 60-character bcrypt string for password under
// prefix, which must be a 29-character "$2x$NN$<salt>" string.
func Hash(password, prefix string) (string, error) {
	cost, salt, err := parsePrefix(prefix)
	if err != nil {
		return "", err
	}
	if len(password) > maxPasswordLen {
		return "", bcrypt.ErrPasswordTooLong
	}

	key := append([]byte(password), 0)
	c, err := blowfish.NewSaltedCipher(key, salt)
	if err != nil {
		return "", err
	}
	for range 1 << cost {
		blowfish.ExpandKey(key, c)
		blowfish.ExpandKey(salt, c)
	}

	data := []byte(magicCipherText)
	for i := 0; i < len(data); i += 8 {
		for range 64 {
			c.Encrypt(data[i:i+8], data[i:i+8])
		}
	}
	return prefix + encode(data[:hashBytes]), nil
}

func parsePrefix(prefix string) (int, []byte, error) {
	if len(prefix) != models.ClientPrefixLength ||
		prefix[0] != '$' || prefix[1] != '2' || prefix[3] != '$' || prefix[6] != '$' {
		return 0, nil, fmt.Errorf("malformed bcrypt prefix %q", prefix)
	}
	cost, err := strconv.Atoi(prefix[4:6])
	if err != nil || cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return 0, nil, fmt.Errorf("bad cost in bcrypt prefix %q", prefix)
	}
	salt, err := encoding.DecodeString(prefix[7:] + "==")
	if err != nil {
		return 0, nil, fmt.Errorf("bad salt in bcrypt prefix: %w", err)
	}
	return cost, salt, nil
}

func encode(b []byte) string {
	return strings.TrimRight(encoding.EncodeToString(b), "=")
}
