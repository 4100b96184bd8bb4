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

package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth wraps next with a constant-time check of the Authorization
// header against key. Used for POST /translate and GET /translate/:jobId.
func BearerAuth(key string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok || !secureEqual(got, key) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer credential")
			return
		}
		next(w, r)
	}
}

// WorkerSecretAuth wraps next with a constant-time check of the
// X-Worker-Secret header against secret. Used for POST /worker/run.
func WorkerSecretAuth(secret string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Worker-Secret")
		if got == "" || !secureEqual(got, secret) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid worker secret")
			return
		}
		next(w, r)
	}
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return strings.TrimPrefix(header, prefix), true
}

// secureEqual performs a constant-time comparison. Unequal lengths are
// rejected before the constant-time compare since ConstantTimeCompare
// requires equal-length inputs; callers only use this for fixed-format
// shared secrets, so the length check itself leaks nothing useful.
func secureEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
