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

// Package commandpoller pulls operator commands (block/unblock/add_rule)
// from the control plane and applies them to the running gateway.
package commandpoller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"wafgate/internal/waf/blocklist"
	"wafgate/internal/waf/rules"
)

const pollInterval = 5 * time.Second
const httpTimeout = 5 * time.Second

// Blocker is the subset of blocklist.Blocklist the poller needs, so tests
// can substitute a fake.
type Blocker interface {
	Block(ip string, ttl time.Duration)
	BlockDefault(ip string)
	Unblock(ip string)
}

// RuleAdder is the subset of rules.Engine the poller needs.
type RuleAdder interface {
	AddRule(spec rules.RuleSpec) error
}

var _ Blocker = (*blocklist.Blocklist)(nil)
var _ RuleAdder = (*rules.Engine)(nil)

// command mirrors the control plane's pull response shape.
type command struct {
	ID          json.Number     `json:"id"`
	CommandType string          `json:"command_type"`
	Payload     json.RawMessage `json:"payload"`
}

type pullResponse struct {
	Commands []command `json:"commands"`
	Cursor   *int64    `json:"cursor"`
}

// blockPayload carries an optional ttl: an omitted field (TTLSeconds ==
// nil) means "no ttl specified", resolved via BlockDefault, while an
// explicit value (including 0) is honored literally via Block. This is
// the Go-side resolution of the original's falsy-zero `ttl or default`
// ambiguity - see blocklist.Block's doc comment.
type blockPayload struct {
	IP         string `json:"ip"`
	TTLSeconds *int64 `json:"ttl"`
}

type unblockPayload struct {
	IP string `json:"ip"`
}

type addRulePayload struct {
	Pattern  string `json:"pattern"`
	Category string `json:"category"`
	Target   string `json:"target"`
	Weight   *int   `json:"weight"`
}

// Poller periodically pulls commands from the control plane and applies
// them to the gateway's in-process state.
type Poller struct {
	BackendURL     string
	LicenseKeyHash string
	Blocklist      Blocker
	Rules          RuleAdder
	Client         *http.Client
	Logger         *zap.SugaredLogger

	mu     sync.Mutex
	cursor *int64

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Poller. A nil logger is replaced with a no-op one.
func New(backendURL, licenseKeyHash string, bl Blocker, ruleEngine RuleAdder, logger *zap.SugaredLogger) *Poller {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Poller{
		BackendURL:     backendURL,
		LicenseKeyHash: licenseKeyHash,
		Blocklist:      bl,
		Rules:          ruleEngine,
		Client:         &http.Client{Timeout: httpTimeout},
		Logger:         logger,
		stop:           make(chan struct{}),
	}
}

// Run polls every 5 seconds until ctx is cancelled or Stop is called.
func (p *Poller) Run(ctx context.Context) {
	p.wg.Add(1)
	defer p.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if err := p.PollOnce(ctx); err != nil {
			p.Logger.Warnw("command poll failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
		}
	}
}

// Stop ends a running Run loop and waits for it to return.
func (p *Poller) Stop() {
	close(p.stop)
	p.wg.Wait()
}

// PollOnce performs a single pull -> apply -> ack cycle. A missing
// license key hash, transport error, non-200 response, malformed JSON,
// or empty command list all return early with no error: the poller is a
// best-effort side channel and must never surface as a request-path
// failure.
func (p *Poller) PollOnce(ctx context.Context) error {
	if p.LicenseKeyHash == "" || p.BackendURL == "" {
		return nil
	}

	url := fmt.Sprintf("%s/api/v1/commands/pull?license_key_hash=%s", trimTrailingSlash(p.BackendURL), p.LicenseKeyHash)
	if cursor := p.currentCursor(); cursor != nil {
		url = fmt.Sprintf("%s&cursor=%d", url, *cursor)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var parsed pullResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil
	}
	if len(parsed.Commands) == 0 {
		return nil
	}

	ids := make([]json.Number, 0, len(parsed.Commands))
	for _, cmd := range parsed.Commands {
		p.applyCommand(cmd)
		ids = append(ids, cmd.ID)
	}

	// The cursor only advances once the ack for this batch has actually
	// been accepted: advancing it earlier would let an un-acked command
	// fall below a future "id > cursor" filter and never be retried.
	if p.ack(ctx, ids) && parsed.Cursor != nil {
		p.setCursor(*parsed.Cursor)
	}
	return nil
}

func (p *Poller) currentCursor() *int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

func (p *Poller) setCursor(c int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = &c
}

func (p *Poller) applyCommand(cmd command) {
	switch cmd.CommandType {
	case "block_ip":
		var payload blockPayload
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil || payload.IP == "" {
			return
		}
		if payload.TTLSeconds == nil {
			p.Blocklist.BlockDefault(payload.IP)
		} else {
			p.Blocklist.Block(payload.IP, time.Duration(*payload.TTLSeconds)*time.Second)
		}
	case "unblock_ip":
		var payload unblockPayload
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil || payload.IP == "" {
			return
		}
		p.Blocklist.Unblock(payload.IP)
	case "add_rule":
		var payload addRulePayload
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return
		}
		category := payload.Category
		if category == "" {
			category = "XSS"
		}
		target := payload.Target
		if target == "" {
			target = "query"
		}
		weight := 2
		if payload.Weight != nil {
			weight = *payload.Weight
		}
		spec := rules.RuleSpec{
			ID:         "CMD_" + payload.Pattern,
			Category:   category,
			Target:     target,
			Pattern:    payload.Pattern,
			IgnoreCase: true,
			Weight:     weight,
		}
		if err := p.Rules.AddRule(spec); err != nil {
			p.Logger.Warnw("dropped add_rule command", "pattern", payload.Pattern, "err", err)
		}
	}
}

// ack posts the applied command ids back to the control plane and
// reports whether the control plane accepted them. A delivery failure
// leaves the commands unacked, so the next poll sees them again -
// applying them a second time must be (and is) harmless: block/unblock
// are naturally idempotent and AddRule replaces by id.
func (p *Poller) ack(ctx context.Context, ids []json.Number) bool {
	body, err := json.Marshal(struct {
		IDs []json.Number `json:"ids"`
	}{IDs: ids})
	if err != nil {
		return false
	}
	url := fmt.Sprintf("%s/api/v1/commands/ack", trimTrailingSlash(p.BackendURL))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
