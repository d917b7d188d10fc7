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

// Package ingest implements the control plane's HTTP surface: event
// ingestion from the gateway, command pull/ack for the gateway's
// poller, and license activation from an operator-facing front end.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"wafgate/internal/controlplane/notifier"
	"wafgate/internal/controlplane/quota"
	"wafgate/internal/controlplane/store"
	"wafgate/internal/waf/hmacsig"
	"wafgate/internal/waf/telemetry"
)

const maxEventBodyBytes = 1 << 20 // 1 MiB

// Server holds the dependencies the control plane's HTTP handlers need.
type Server struct {
	Store              store.Store
	Quota              *quota.Accumulator
	Notifier           notifier.Notifier
	Metrics            *telemetry.ControlPlane
	HMACSecret         string
	TimestampSkewSec   int
	MaxNonceAgeSec     int
	Logger             *zap.SugaredLogger
	now                func() time.Time
}

// New builds a Server. A nil logger is replaced with a no-op one.
func New(st store.Store, acc *quota.Accumulator, n notifier.Notifier, metrics *telemetry.ControlPlane, hmacSecret string, timestampSkewSec, maxNonceAgeSec int, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{
		Store:            st,
		Quota:            acc,
		Notifier:         n,
		Metrics:          metrics,
		HMACSecret:       hmacSecret,
		TimestampSkewSec: timestampSkewSec,
		MaxNonceAgeSec:   maxNonceAgeSec,
		Logger:           logger,
		now:              time.Now,
	}
}

// Routes registers the control plane's endpoints on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/event", s.handleEvent)
	mux.HandleFunc("/api/v1/commands/pull", s.handleCommandsPull)
	mux.HandleFunc("/api/v1/commands/ack", s.handleCommandsAck)
	mux.HandleFunc("/api/v1/license/activate", s.handleLicenseActivate)
}

// handleEvent ingests one block event pushed by the gateway's event
// sender. The event-quota check happens before any HMAC work, a
// deliberate reordering scoped to this endpoint only: an unauthenticated
// flood must not spend signature-verification or nonce-database work
// before being shed.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxEventBodyBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "body read failed"})
		return
	}
	if len(raw) > maxEventBodyBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "body too large"})
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad json"})
		return
	}
	licenseHash, _ := payload["license_key_hash"].(string)
	if licenseHash == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing license"})
		return
	}

	if s.Quota != nil && !s.Quota.Admit(licenseHash) {
		s.countQuota("rejected")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "event quota exceeded"})
		return
	}
	s.countQuota("admitted")

	if reason, ok := s.verifyHMAC(r, raw); !ok {
		s.countHMACRejected(reason)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": reason})
		return
	}

	ctx := r.Context()
	chatID, err := s.Store.ChatForLicense(ctx, licenseHash)
	if err != nil {
		if errors.Is(err, store.ErrUnknownLicense) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "license not activated"})
			return
		}
		s.Logger.Errorw("chat lookup failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "lookup failed"})
		return
	}

	auditDetails, _ := json.Marshal(map[string]any{
		"license_hash": truncate(licenseHash, 16),
		"request_id":   payload["request_id"],
		"decision":     payload["decision"],
	})
	if err := s.Store.AppendAudit(ctx, "event", string(auditDetails)); err != nil {
		s.Logger.Warnw("append audit failed", "err", err)
	}

	text := notifier.FormatEventMessage(payload)
	if err := s.Notifier.Send(ctx, chatID, text, payload); err != nil {
		s.Logger.Warnw("notifier send failed", "err", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// verifyHMAC checks headers-present, then timestamp skew, then replay,
// then signature, the exact order the reference control plane's
// verify_hmac enforces.
func (s *Server) verifyHMAC(r *http.Request, body []byte) (string, bool) {
	timestamp := r.Header.Get("X-Timestamp")
	nonce := r.Header.Get("X-Nonce")
	signature := r.Header.Get("X-Signature")
	if timestamp == "" || nonce == "" || signature == "" {
		return "missing hmac headers", false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "invalid timestamp", false
	}

	now := s.now().Unix()
	skew := now - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(s.TimestampSkewSec) {
		return "timestamp skew", false
	}

	maxAge := time.Duration(s.MaxNonceAgeSec) * time.Second
	if err := s.Store.CheckAndStoreNonce(r.Context(), nonce, s.now(), maxAge); err != nil {
		if errors.Is(err, store.ErrReplay) {
			return "replay detected", false
		}
		s.Logger.Errorw("nonce check failed", "err", err)
		return "nonce check failed", false
	}

	if !hmacsig.Verify(s.HMACSecret, timestamp, nonce, body, signature) {
		return "invalid signature", false
	}
	return "", true
}

type pullResponseCommand struct {
	ID          int64           `json:"id"`
	CommandType string          `json:"command_type"`
	Payload     json.RawMessage `json:"payload"`
}

type pullResponse struct {
	Commands []pullResponseCommand `json:"commands"`
	Cursor   *int64                `json:"cursor"`
}

// handleCommandsPull serves the gateway's command poller, mirroring
// the original pull_commands endpoint's cursor/limit-20 contract.
func (s *Server) handleCommandsPull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	licenseHash := r.URL.Query().Get("license_key_hash")
	if licenseHash == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing license_key_hash"})
		return
	}
	var cursor *int64
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid cursor"})
			return
		}
		cursor = &v
	}

	cmds, nextCursor, err := s.Store.PullCommands(r.Context(), licenseHash, cursor, 20)
	if err != nil {
		s.Logger.Errorw("pull commands failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "pull failed"})
		return
	}
	if s.Metrics != nil {
		outcome := "empty"
		if len(cmds) > 0 {
			outcome = "nonempty"
		}
		s.Metrics.CommandPullTotal.WithLabelValues(outcome).Inc()
	}

	resp := pullResponse{Commands: make([]pullResponseCommand, 0, len(cmds)), Cursor: &nextCursor}
	for _, c := range cmds {
		resp.Commands = append(resp.Commands, pullResponseCommand{ID: c.ID, CommandType: c.CommandType, Payload: c.Payload})
	}
	writeJSON(w, http.StatusOK, resp)
}

type ackRequest struct {
	IDs []int64 `json:"ids"`
}

// handleCommandsAck marks a batch of pulled commands as applied.
func (s *Server) handleCommandsAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	var req ackRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad json"})
		return
	}
	if err := s.Store.AckCommands(r.Context(), req.IDs); err != nil {
		s.Logger.Errorw("ack commands failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "ack failed"})
		return
	}
	if s.Metrics != nil {
		s.Metrics.CommandAckTotal.Inc()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type activateRequest struct {
	LicenseKey string `json:"license_key"`
	ChatID     int64  `json:"chat_id"`
}

// handleLicenseActivate binds a license to a chat, the supplemented
// HTTP equivalent of the original Telegram bot's /activate command -
// 200 on a bind or an idempotent rebind, 401 on a conflicting rebind.
// License issuance tooling is out of scope here, so the license row is
// provisioned on first activation rather than requiring a separate
// admin-only insert step.
func (s *Server) handleLicenseActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	var req activateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBodyBytes)).Decode(&req); err != nil || req.LicenseKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad request"})
		return
	}

	licenseHash := hashLicenseKey(req.LicenseKey)
	if err := s.Store.InsertLicense(r.Context(), licenseHash); err != nil {
		s.Logger.Errorw("insert license failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "activation failed"})
		return
	}
	err := s.Store.ActivateLicense(r.Context(), licenseHash, req.ChatID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "license_hash": licenseHash})
	case errors.Is(err, store.ErrUnknownLicense):
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unknown license"})
	case errors.Is(err, store.ErrLicenseConflict):
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "license already bound"})
	default:
		s.Logger.Errorw("activate license failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "activation failed"})
	}
}

func (s *Server) countQuota(outcome string) {
	if s.Metrics != nil {
		s.Metrics.EventQuotaTotal.WithLabelValues(outcome).Inc()
	}
}

func (s *Server) countHMACRejected(reason string) {
	if s.Metrics != nil {
		s.Metrics.HMACRejectedTotal.WithLabelValues(reason).Inc()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// hashLicenseKey mirrors the original's hash_license: SHA-256 of the
// plaintext license key, hex-encoded, so the key itself never transits
// or is stored beyond this one call.
func hashLicenseKey(licenseKey string) string {
	sum := sha256.Sum256([]byte(licenseKey))
	return hex.EncodeToString(sum[:])
}
