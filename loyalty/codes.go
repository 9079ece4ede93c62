package loyalty

import (
	"crypto/rand"
	"strings"
)

// codeAlphabet leaves out 0/O and 1/I so codes survive being read aloud.
// Its length is 32, so a random byte maps onto it without bias.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	codeGroups    = 3
	codeGroupSize = 4
)

// GenerateCode returns a random coupon code formatted as XXXX-XXXX-XXXX.
func GenerateCode() (string, error) {
	raw := make([]byte, codeGroups*codeGroupSize)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}

	var b strings.Builder
	b.Grow(len(raw) + codeGroups - 1)
	for i, r := range raw {
		if i > 0 && i%codeGroupSize == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(codeAlphabet[int(r)%len(codeAlphabet)])
	}
	return b.String(), nil
}

// NormalizeCode canonicalizes user-entered codes: surrounding space is
// dropped and letters are upper-cased.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
