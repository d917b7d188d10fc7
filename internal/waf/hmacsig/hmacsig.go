// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package hmacsig implements the shared HMAC-SHA256 request signing
// scheme used between the gateway and the control plane.
package hmacsig

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign computes the signature over "timestamp\nnonce\n" + body, the same
// message construction used on both the signing (event sender) and
// verifying (control-plane ingest) sides.
func Sign(secret, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write([]byte(nonce))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the expected HMAC for the
// given timestamp/nonce/body, using a constant-time comparison.
func Verify(secret, timestamp, nonce string, body []byte, signature string) bool {
	expected := Sign(secret, timestamp, nonce, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
