// Simple Git CI/CD is a single-node continuous-integration dispatcher.
// Copyright (C) 2026 Kaligraphy247
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package signature verifies GitHub-style HMAC-SHA256 webhook signatures.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const sha256Prefix = "sha256="

// Verify reports whether signatureHeader is a valid HMAC-SHA256 signature of
// payload under secret. The header must be of the form "sha256=<hex>"; any
// other prefix, malformed hex, or length mismatch yields false rather than
// an error. The comparison is constant-time over the MAC length.
func Verify(secret string, payload []byte, signatureHeader string) bool {
	if !strings.HasPrefix(signatureHeader, sha256Prefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signatureHeader, sha256Prefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	want := mac.Sum(nil)

	return hmac.Equal(got, want)
}

// Sign computes the "sha256=<hex>" signature header value for payload under
// secret. Used by tests to construct valid requests.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return sha256Prefix + hex.EncodeToString(mac.Sum(nil))
}
