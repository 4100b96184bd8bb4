// Lexigate is a multi-tenant HTML translation pipeline.
// Copyright (C) 2025 Matthew Burns
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

// Package hasher computes the content fingerprint used as the identity of
// a translatable text fragment throughout the pipeline.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
)

// hashLen is the number of hex characters (64 bits) carried as a
// fragment's identity in every downstream table. Collision risk at this
// length is an accepted tradeoff for compact keys, not an oversight.
const hashLen = 16

// Hash returns the first 16 lowercase hex characters of SHA-256(UTF-8(s)).
// Callers must pass the already whitespace-collapsed, trimmed form; Hash
// itself does no normalization.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:hashLen]
}
