package crypto

import (
	"crypto/rand"
	"errors"
	"regexp"
)

// codeAlphabet is the character set for portal access codes. Uppercase plus
// digits keeps codes easy to read out over the phone while still giving
// ~5.17 bits of entropy per character.
const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// DefaultCodeLength yields ~124 bits of entropy, comfortably beyond what a
// single-factor secret needs to resist online guessing.
const DefaultCodeLength = 24

var codePattern = regexp.MustCompile(`^[A-Z0-9]{8,32}$`)

// GenerateAccessCode returns a random access code of the given length drawn
// from the uppercase alphanumeric alphabet using a cryptographically secure
// source.
func GenerateAccessCode(length int) (string, error) {
	if length < 8 || length > 32 {
		return "", errors.New("crypto: access code length must be between 8 and 32")
	}

	out := make([]byte, 0, length)
	buf := make([]byte, length)

	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			// Reject bytes above the largest multiple of the alphabet size to
			// keep the distribution uniform.
			if b >= byte(len(codeAlphabet))*7 {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == length {
				break
			}
		}
	}

	return string(out), nil
}

// ValidCodeShape reports whether the submitted value matches the accepted
// access-code pattern.
func ValidCodeShape(code string) bool {
	return codePattern.MatchString(code)
}
