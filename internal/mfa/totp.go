// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package mfa

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"
)

// TOTP parameters per RFC 6238. Fixed to the values every mainstream
// authenticator app assumes.
const (
	totpPeriod = 30 * time.Second
	totpDigits = 6
	secretLen  = 20
)

// GenerateTOTPSecret returns a new base32-encoded shared secret.
func GenerateTOTPSecret() (string, error) {
	b := make([]byte, secretLen)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b), nil
}

// hotp computes the RFC 4226 HMAC-based one-time password for a counter.
func hotp(key []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	// Dynamic truncation: the low nibble of the last byte selects a
	// 4-byte window, masked to 31 bits.
	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	return fmt.Sprintf("%06d", code%1000000)
}

// totpAt computes the code for a secret at a given time step offset.
func totpAt(secret string, t time.Time, stepOffset int64) (string, error) {
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).
		DecodeString(strings.ToUpper(strings.TrimSpace(secret)))
	if err != nil {
		return "", fmt.Errorf("decoding totp secret: %w", err)
	}
	counter := uint64(t.Unix()/int64(totpPeriod.Seconds()) + stepOffset)
	return hotp(key, counter), nil
}

// CurrentTOTP returns the code for the current time step.
func CurrentTOTP(secret string, t time.Time) (string, error) {
	return totpAt(secret, t, 0)
}

// VerifyTOTP checks a code against the secret, accepting the current
// step plus skew steps either side for clock drift.
func VerifyTOTP(secret, code string, t time.Time, skew int) bool {
	if len(code) != totpDigits {
		return false
	}
	for offset := int64(-skew); offset <= int64(skew); offset++ {
		expected, err := totpAt(secret, t, offset)
		if err != nil {
			return false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

// ProvisioningURI builds the otpauth:// URI authenticator apps enroll
// from, usually rendered as a QR code.
func ProvisioningURI(issuer, accountName, secret string) string {
	v := url.Values{}
	v.Set("secret", secret)
	v.Set("issuer", issuer)
	v.Set("algorithm", "SHA1")
	v.Set("digits", fmt.Sprintf("%d", totpDigits))
	v.Set("period", fmt.Sprintf("%d", int(totpPeriod.Seconds())))

	label := url.PathEscape(issuer + ":" + accountName)
	return "otpauth://totp/" + label + "?" + v.Encode()
}
