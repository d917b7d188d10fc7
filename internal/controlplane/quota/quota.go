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

package quota

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"wafgate/internal/ratelimiter/persistence"
	"wafgate/pkg/vsa"
)

// Config controls a license's per-window admission budget and the
// background flush schedule that reports usage to a durable Sink.
type Config struct {
	// PerLicenseBudget is how many events a license may have admitted
	// within one Window before Admit starts returning false.
	PerLicenseBudget int64
	// Window is how often a license's budget renews.
	Window time.Duration
	// CommitThreshold is the watermark (absolute usage since the last
	// flush) at which a license's usage is flushed to Sink mid-window,
	// mirroring the reference worker's high-watermark commit trigger.
	CommitThreshold int64
	// CommitInterval is how often the background loop scans for
	// licenses crossing CommitThreshold or going idle.
	CommitInterval time.Duration
	// IdleEvictAge removes a license's in-memory counter once it has
	// been untouched for this long, after a final flush.
	IdleEvictAge time.Duration
}

// DefaultConfig matches SPEC_FULL.md's default event-quota numbers.
func DefaultConfig() Config {
	return Config{
		PerLicenseBudget: 600,
		Window:           60 * time.Second,
		CommitThreshold:  100,
		CommitInterval:   5 * time.Second,
		IdleEvictAge:     10 * time.Minute,
	}
}

type managedBudget struct {
	instance     *vsa.VSA
	lastAccessed int64 // unix nano, atomic
	windowStart  int64 // unix nano, atomic
}

// Accumulator is the control plane's per-license event-admission
// budget: available = scalar - |vector|, checked and decremented
// atomically per event with no synchronous database write, and
// reconciled to a durable Sink on a watermark/interval/idle schedule -
// the same shape as the reference project's rate-limiter Store+Worker
// pair, narrowed to one counter per license instead of one VSA per
// arbitrary key plus eviction, and with a window-based renewal the
// original demo (a non-expiring budget) did not need.
type Accumulator struct {
	cfg    Config
	sink   Sink
	logger *zap.SugaredLogger

	counters sync.Map // licenseHash -> *managedBudget

	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// New builds an Accumulator. A nil logger is replaced with a no-op one.
func New(cfg Config, sink Sink, logger *zap.SugaredLogger) *Accumulator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Accumulator{cfg: cfg, sink: sink, logger: logger, stopCh: make(chan struct{})}
}

// Admit checks and, if admitted, consumes one unit of licenseHash's
// current-window budget. It never performs I/O.
func (a *Accumulator) Admit(licenseHash string) bool {
	mb := a.getOrCreate(licenseHash)
	atomic.StoreInt64(&mb.lastAccessed, time.Now().UnixNano())
	return mb.instance.TryConsume(1)
}

func (a *Accumulator) getOrCreate(licenseHash string) *managedBudget {
	if actual, ok := a.counters.Load(licenseHash); ok {
		return actual.(*managedBudget)
	}
	now := time.Now().UnixNano()
	fresh := &managedBudget{
		instance:     vsa.New(a.cfg.PerLicenseBudget),
		lastAccessed: now,
		windowStart:  now,
	}
	if actual, loaded := a.counters.LoadOrStore(licenseHash, fresh); loaded {
		return actual.(*managedBudget)
	}
	return fresh
}

// Start launches the background reconciliation loop.
func (a *Accumulator) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.loop(ctx)
	}()
}

// Stop ends the background loop and performs a final flush of every
// license's outstanding usage, mirroring the reference worker's
// shutdown-time runFinalFlush.
func (a *Accumulator) Stop(ctx context.Context) {
	if !a.stopped.CompareAndSwap(false, true) {
		return
	}
	close(a.stopCh)
	a.wg.Wait()
	a.flushAll(ctx)
}

func (a *Accumulator) loop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.CommitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.runCycle(ctx)
		}
	}
}

// runCycle flushes licenses that crossed CommitThreshold or renewed
// their window, and evicts licenses idle past IdleEvictAge. A license
// whose Window has elapsed is flushed and its counter dropped, so its
// next Admit starts from a full PerLicenseBudget.
func (a *Accumulator) runCycle(ctx context.Context) {
	now := time.Now()
	var entries []persistence.CommitEntry
	type flushed struct {
		hash  string
		mb    *managedBudget
		vec   int64
		renew bool
	}
	var applied []flushed
	var evict []string

	a.counters.Range(func(key, value any) bool {
		hash := key.(string)
		mb := value.(*managedBudget)
		_, vec := mb.instance.State()
		absVec := vec
		if absVec < 0 {
			absVec = -absVec
		}

		windowElapsed := now.Sub(time.Unix(0, atomic.LoadInt64(&mb.windowStart))) >= a.cfg.Window
		lastAccess := time.Unix(0, atomic.LoadInt64(&mb.lastAccessed))
		idle := now.Sub(lastAccess) >= a.cfg.IdleEvictAge

		if idle {
			evict = append(evict, hash)
		}

		if absVec == 0 {
			if windowElapsed {
				a.counters.Delete(hash)
			}
			return true
		}

		if absVec >= a.cfg.CommitThreshold || windowElapsed || idle {
			entries = append(entries, persistence.CommitEntry{
				Key:      hash,
				Vector:   vec,
				CommitID: commitID(hash, now),
			})
			applied = append(applied, flushed{hash: hash, mb: mb, vec: vec, renew: windowElapsed})
		}
		return true
	})

	if len(entries) > 0 {
		if err := a.sink.CommitBatch(ctx, entries); err != nil {
			a.logger.Warnw("quota usage flush failed", "err", err)
		} else {
			for _, f := range applied {
				f.mb.instance.Commit(f.vec)
				if f.renew {
					a.counters.Delete(f.hash)
				}
			}
		}
	}

	for _, hash := range evict {
		a.counters.Delete(hash)
	}
}

func (a *Accumulator) flushAll(ctx context.Context) {
	var entries []persistence.CommitEntry
	now := time.Now()
	a.counters.Range(func(key, value any) bool {
		hash := key.(string)
		mb := value.(*managedBudget)
		_, vec := mb.instance.State()
		if vec != 0 {
			entries = append(entries, persistence.CommitEntry{
				Key:      hash,
				Vector:   vec,
				CommitID: commitID(hash, now),
			})
		}
		return true
	})
	if len(entries) == 0 {
		return
	}
	if err := a.sink.CommitBatch(ctx, entries); err != nil {
		a.logger.Warnw("quota final flush failed", "err", err)
	}
}

func commitID(licenseHash string, t time.Time) string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%s:%d:%s", licenseHash, t.UnixNano(), hex.EncodeToString(b[:]))
}
