package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// No TOTP (RFC 6238) library exists anywhere in the retrieval pack this
// module was grounded on, so this is a direct, narrow implementation of the
// standard algorithm rather than a hand-rolled substitute for something the
// pack already solves. See SPEC_FULL.md §B.
const totpStep = 30 * time.Second
const totpDigits = 6

// GenerateTOTPSecret returns a random base32-encoded (RFC 4648, no padding)
// 20-byte secret suitable for an authenticator app.
func GenerateTOTPSecret() (string, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generate totp secret: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}

func totpCode(secret string, counter uint64) (string, error) {
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(secret))
	if err != nil {
		return "", fmt.Errorf("auth: decode totp secret: %w", err)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(buf[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := (uint32(sum[offset])&0x7f)<<24 |
		uint32(sum[offset+1])<<16 |
		uint32(sum[offset+2])<<8 |
		uint32(sum[offset+3])
	code %= 1_000_000
	return fmt.Sprintf("%0*d", totpDigits, code), nil
}

// VerifyTOTP checks code against secret at now, allowing a ±1 step window
// (±30s) to absorb clock skew, per spec.md §4.4.
func VerifyTOTP(secret, code string, now time.Time) (bool, error) {
	counter := uint64(now.Unix()) / uint64(totpStep.Seconds())
	for _, delta := range []int64{0, -1, 1} {
		candidate, err := totpCode(secret, uint64(int64(counter)+delta))
		if err != nil {
			return false, err
		}
		if hmac.Equal([]byte(candidate), []byte(code)) {
			return true, nil
		}
	}
	return false, nil
}
