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

// Package eventsender pushes block events to the control plane over an
// HMAC-signed channel. Delivery failures are swallowed: a control-plane
// outage must never affect traffic admission.
package eventsender

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"wafgate/internal/waf/engine"
	"wafgate/internal/waf/hmacsig"
)

// Sender signs and delivers events to the control plane's ingest
// endpoint.
type Sender struct {
	BackendURL     string
	HMACSecret     string
	LicenseKeyHash string
	Client         *http.Client
	Logger         *zap.SugaredLogger
	now            func() time.Time
}

// New builds a Sender with a 10-second delivery timeout, matching the
// original client.
func New(backendURL, hmacSecret, licenseKeyHash string, logger *zap.SugaredLogger) *Sender {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Sender{
		BackendURL:     backendURL,
		HMACSecret:     hmacSecret,
		LicenseKeyHash: licenseKeyHash,
		Client:         &http.Client{Timeout: 10 * time.Second},
		Logger:         logger,
		now:            time.Now,
	}
}

// Notify implements proxy.Notifier. Any of the three required settings
// being unset is a configuration no-op, matching the original service
// (which logs and returns rather than failing the request).
func (s *Sender) Notify(ctx context.Context, event engine.NotifyEvent) error {
	if s.BackendURL == "" || s.HMACSecret == "" || s.LicenseKeyHash == "" {
		s.Logger.Warnw("event notification skipped: control plane not configured")
		return nil
	}

	payload := map[string]any{
		"request_id":         event.RequestID,
		"decision":           event.Decision,
		"suspected_param":    event.SuspectedParam,
		"category":           event.Category,
		"endpoint":           event.Endpoint,
		"client_ip":          event.ClientIP,
		"reason":             event.Reason,
		"recommendation_ids": event.RecommendationIDs,
		"stage":              event.Stage,
		"ml_label":           event.MLLabel,
		"ml_confidence":      event.MLConfidence,
		"license_key_hash":   s.LicenseKeyHash,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		s.Logger.Errorw("encode event", "err", err)
		return err
	}

	timestamp := strconv.FormatInt(s.now().Unix(), 10)
	nonce, err := randomNonce()
	if err != nil {
		s.Logger.Errorw("generate nonce", "err", err)
		return err
	}
	signature := hmacsig.Sign(s.HMACSecret, timestamp, nonce, body)

	url := fmt.Sprintf("%s/api/v1/event", trimTrailingSlash(s.BackendURL))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		s.Logger.Errorw("build event request", "err", err)
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-Nonce", nonce)
	req.Header.Set("X-Signature", signature)

	resp, err := s.Client.Do(req)
	if err != nil {
		s.Logger.Warnw("event delivery failed", "err", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.Logger.Warnw("event delivery rejected", "status", resp.StatusCode)
	}
	return nil
}

// randomNonce returns 128 bits of randomness hex-encoded, the same shape
// as the original's uuid4().hex nonce (32 hex characters) without
// depending on a UUID library for a value nothing ever parses back into
// UUID fields.
func randomNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
