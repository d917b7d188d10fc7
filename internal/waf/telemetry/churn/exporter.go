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

package churn

import (
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type point struct {
	ts       time.Time
	requests int64
	score    int64
	sumReq   int64
	sumScore int64
}

type ipAgg struct {
	requests   atomic.Int64
	score      atomic.Int64
	lastUpdate atomic.Int64 // unix nano
}

var (
	agg sync.Map // map[uint64]*ipAgg

	requestsSampled atomic.Int64 // sampled request count (per-IP aggregation)
	requestsAll     atomic.Int64 // unsampled request count (global baseline)
	scoreAll        atomic.Int64 // global flagged score across all requests
	sumReqGlobal    atomic.Int64 // sum of requests for sampled IPs (since start)
	sumScoreGlobal  atomic.Int64 // sum of flagged score for sampled IPs (since start)

	exporterMu   sync.Mutex
	exporterStop chan struct{}
	exporterDone chan struct{}
	currCfg      atomic.Value // stores Config

	windowPoints []point
	windowMu     sync.Mutex

	livePrinted   atomic.Bool
	liveMode      atomic.Bool
	ansiSupported atomic.Bool
	colorOn       atomic.Bool

	prevSimpleLen atomic.Int64
)

func startOrUpdateExporter(cfg Config) {
	exporterMu.Lock()
	defer exporterMu.Unlock()

	currCfg.Store(cfg)

	lm := os.Getenv("WAFGATE_CHURN_LIVE")
	if lm == "0" || lm == "false" {
		liveMode.Store(false)
	} else {
		liveMode.Store(true)
	}
	if os.Getenv("NO_COLOR") != "" {
		colorOn.Store(false)
	} else {
		colorOn.Store(true)
	}
	ansiSupported.Store(detectANSISupport())

	if exporterStop != nil {
		close(exporterStop)
		<-exporterDone
		exporterStop, exporterDone = nil, nil
	}
	if !cfg.Enabled || cfg.LogInterval <= 0 {
		return
	}
	exporterStop = make(chan struct{})
	exporterDone = make(chan struct{})
	go exporterLoop(exporterStop, exporterDone)
}

func exporterLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	cfgAny := currCfg.Load()
	cfg, _ := cfgAny.(Config)
	ticker := time.NewTicker(cfg.LogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			publishSnapshot()
		case <-stop:
			return
		}
	}
}

func publishSnapshot() {
	cfgAny := currCfg.Load()
	cfg, _ := cfgAny.(Config)
	type row struct {
		ipHash      uint64
		requests    int64
		score       int64
		churnFactor float64
	}
	rows := make([]row, 0, 1024)
	var tracked int
	idleTTL := cfg.Window * 2
	cutoff := time.Now().Add(-idleTTL).UnixNano()
	agg.Range(func(k, v any) bool {
		ia := v.(*ipAgg)
		last := ia.lastUpdate.Load()
		if last > 0 && last < cutoff {
			agg.Delete(k)
			return true
		}
		tracked++
		r := ia.requests.Load()
		s := ia.score.Load()
		cf := float64(s) / float64(max64(1, r))
		rows = append(rows, row{ipHash: k.(uint64), requests: r, score: s, churnFactor: cf})
		return true
	})
	ipsTracked.Set(float64(tracked))

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].churnFactor == rows[j].churnFactor {
			return rows[i].requests > rows[j].requests
		}
		return rows[i].churnFactor > rows[j].churnFactor
	})
	if len(rows) > cfg.TopN {
		rows = rows[:cfg.TopN]
	}

	now := time.Now()
	pt := point{
		ts:       now,
		requests: requestsAll.Load(),
		score:    scoreAll.Load(),
		sumReq:   sumReqGlobal.Load(),
		sumScore: sumScoreGlobal.Load(),
	}
	windowMu.Lock()
	windowPoints = append(windowPoints, pt)
	winStart := now.Add(-cfg.Window)
	idx := 0
	for idx < len(windowPoints) && windowPoints[idx].ts.Before(winStart) {
		idx++
	}
	if idx > 0 {
		windowPoints = windowPoints[idx:]
	}
	old := windowPoints[0]
	windowMu.Unlock()

	dReq := pt.requests - old.requests
	dScore := pt.score - old.score
	benignWin := 1.0 - float64(dScore)/float64(max64(1, dReq))
	churnWin := float64(dScore) / float64(max64(1, dReq))
	benignRatio.Set(benignWin)
	churnRatio.Set(churnWin)

	brTxt := fmt.Sprintf("%.3f", benignWin)
	cfTxt := fmt.Sprintf("%.3f", churnWin)
	if colorOn.Load() {
		brTxt = colorBenign(benignWin, brTxt)
		cfTxt = colorChurn(churnWin, cfTxt)
	}
	summary := fmt.Sprintf("churn summary: ip_churn=%s benign_ratio=%s requests=%d score=%d sample=%.2f topN=%d",
		cfTxt, brTxt, dReq, dScore, cfg.SampleRate, cfg.TopN)

	var topLine string
	if len(rows) > 0 {
		first := rows[0]
		churnTxt := fmt.Sprintf("%.3f", first.churnFactor)
		if colorOn.Load() {
			churnTxt = colorChurn(first.churnFactor, churnTxt)
		}
		topLine = fmt.Sprintf("top ip=%s churn=%s requests=%d score=%d",
			shortHash(first.ipHash, cfg.KeyHashLen), churnTxt, first.requests, first.score)
	} else {
		topLine = "top ip: (none yet)"
	}

	if liveMode.Load() {
		if ansiSupported.Load() {
			renderLive(summary, topLine)
		} else {
			renderSimple(summary, topLine)
		}
		return
	}

	ts := time.Now().Format(time.RFC3339)
	fmt.Printf("[%s] %s\n", ts, summary)
	fmt.Printf("  - %s\n", topLine)
}

func shortHash(h uint64, n int) string {
	if n <= 0 {
		n = 8
	}
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(h & 0xff)
		h >>= 8
	}
	s := hex.EncodeToString(b)
	if n < len(s) {
		return s[:n]
	}
	return s
}

// --- recording helpers (called from counters.go) ---

func exporterRecordRequest(ipHash uint64) {
	ia := getAgg(ipHash)
	ia.requests.Add(1)
	ia.lastUpdate.Store(time.Now().UnixNano())
	requestsSampled.Add(1)
	sumReqGlobal.Add(1)
}

func exporterRecordScore(ipHash uint64, score int64) {
	ia := getAgg(ipHash)
	ia.score.Add(score)
	ia.lastUpdate.Store(time.Now().UnixNano())
	sumScoreGlobal.Add(score)
}

func getAgg(ipHash uint64) *ipAgg {
	if v, ok := agg.Load(ipHash); ok {
		return v.(*ipAgg)
	}
	ia := &ipAgg{}
	actual, _ := agg.LoadOrStore(ipHash, ia)
	return actual.(*ipAgg)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// --- Live rendering and coloring helpers ---

const (
	ansiClearLine  = "\x1b[2K"
	ansiPrevLines2 = "\x1b[2F"
	ansiReset      = "\x1b[0m"
	ansiBold       = "\x1b[1m"
	ansiRed        = "\x1b[31m"
	ansiGreen      = "\x1b[32m"
	ansiYellow     = "\x1b[33m"
	ansiCyan       = "\x1b[36m"
)

func renderLive(summary, top string) {
	if !livePrinted.Load() {
		fmt.Printf("%s\n%s\n", summary, top)
		livePrinted.Store(true)
		return
	}
	fmt.Print(ansiPrevLines2)
	fmt.Printf("%s%s\n", ansiClearLine, summary)
	fmt.Printf("%s%s\n", ansiClearLine, top)
}

func renderSimple(summary, top string) {
	line := summary
	if top != "" && top != "top ip: (none yet)" {
		line = line + " | " + top
	}
	visLen := printableLen(line)
	prev := prevSimpleLen.Load()
	if !livePrinted.Load() {
		fmt.Print(line)
		livePrinted.Store(true)
		prevSimpleLen.Store(int64(visLen))
		return
	}
	pad := int(prev) - visLen
	if pad < 0 {
		pad = 0
	}
	if pad > 0 {
		fmt.Printf("\r%s%s", line, strings.Repeat(" ", pad))
	} else {
		fmt.Printf("\r%s", line)
	}
	prevSimpleLen.Store(int64(visLen))
}

func printableLen(s string) int {
	if !strings.Contains(s, "\x1b") {
		return len(s)
	}
	b := make([]byte, 0, len(s))
	inEsc := false
	csi := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inEsc {
			if !csi {
				if c == '[' {
					csi = true
					continue
				}
				if c >= 0x40 && c <= 0x7E {
					inEsc = false
					csi = false
				}
				continue
			}
			if c >= 0x40 && c <= 0x7E {
				inEsc = false
				csi = false
			}
			continue
		}
		if c == 0x1b {
			inEsc = true
			csi = false
			continue
		}
		b = append(b, c)
	}
	return len(b)
}

func detectANSISupport() bool {
	if os.Getenv("WAFGATE_CHURN_LIVE") == "0" || strings.EqualFold(os.Getenv("WAFGATE_CHURN_LIVE"), "false") {
		return false
	}
	if os.Getenv("GOLAND_IDE") != "" || os.Getenv("IDEA_INITIAL_DIRECTORY") != "" {
		return false
	}
	term := strings.ToLower(os.Getenv("TERM"))
	if runtime.GOOS == "windows" {
		if os.Getenv("WT_SESSION") != "" || strings.EqualFold(os.Getenv("ConEmuANSI"), "ON") {
			return true
		}
		return strings.Contains(term, "xterm") || strings.Contains(term, "ansi")
	}
	if term == "" {
		return false
	}
	return strings.Contains(term, "xterm") || strings.Contains(term, "screen") || strings.Contains(term, "tmux") || strings.Contains(term, "ansi")
}

func colorBenign(val float64, txt string) string {
	if !colorOn.Load() {
		return txt
	}
	switch {
	case val >= 0.95:
		return ansiBold + ansiGreen + txt + ansiReset
	case val >= 0.80:
		return ansiYellow + txt + ansiReset
	default:
		return ansiRed + txt + ansiReset
	}
}

func colorChurn(val float64, txt string) string {
	if !colorOn.Load() {
		return txt
	}
	switch {
	case val >= 0.20:
		return ansiBold + ansiCyan + txt + ansiReset
	case val >= 0.05:
		return ansiCyan + txt + ansiReset
	default:
		return txt
	}
}
