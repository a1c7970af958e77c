/*
 * MIT License
 *
 * Copyright (c) 2025 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package passwordhash verifies a plaintext credential against a stored
// hash, discriminated by the hash's own prefix (spec.md §4.4.2/§4.4.3),
// the way Auth-API-Key and Auth-Basic both require. Hashing itself is
// explicitly out of scope (spec.md §1): this package only verifies.
package passwordhash

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Verify reports whether plaintext matches stored, dispatching on the
// stored hash's prefix:
//
//   - "$2a$", "$2b$", "$2y$" -> bcrypt
//   - "sha256:<hex>"         -> constant-time SHA-256 comparison
//
// An unrecognized prefix never matches.
func Verify(stored, plaintext string) bool {
	switch {
	case strings.HasPrefix(stored, "$2a$"), strings.HasPrefix(stored, "$2b$"), strings.HasPrefix(stored, "$2y$"):
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(plaintext)) == nil

	case strings.HasPrefix(stored, "sha256:"):
		want, err := hex.DecodeString(strings.TrimPrefix(stored, "sha256:"))
		if err != nil {
			return false
		}
		got := sha256.Sum256([]byte(plaintext))
		return subtle.ConstantTimeCompare(want, got[:]) == 1

	default:
		return false
	}
}

// VerifyAny reports whether plaintext matches any of the stored hashes -
// the "without key-id, match against any stored hash" behavior of
// Auth-API-Key (spec.md §4.4.2).
func VerifyAny(stored []string, plaintext string) bool {
	for _, s := range stored {
		if Verify(s, plaintext) {
			return true
		}
	}
	return false
}
