// Command emberload drives keep-alive HTTP/1.1 traffic at a server
// and reports status tallies and latency percentiles. It speaks the
// wire format directly so the numbers reflect the connection, not a
// client library. Trailers are not understood.
package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type result struct {
	latencies []time.Duration
	status    map[int]int
	errs      int
}

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "server address")
	clients := flag.Int("clients", 10, "concurrent connections")
	requests := flag.Int("requests", 100, "requests per connection")
	path := flag.String("path", "/", "request path")
	bodySize := flag.Int("body", 0, "POST body size in bytes; 0 sends GET")
	timeout := flag.Duration("timeout", 10*time.Second, "per-request deadline")
	flag.Parse()

	results := make([]result, *clients)
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			results[slot] = drive(*addr, *path, *bodySize, *requests, *timeout)
		}(i)
	}
	wg.Wait()
	report(results, time.Since(start), *clients, *requests)
}

func drive(addr, path string, bodySize, requests int, timeout time.Duration) result {
	res := result{status: make(map[int]int)}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		res.errs = requests
		return res
	}
	defer func() { _ = conn.Close() }()
	br := bufio.NewReader(conn)

	var req []byte
	if bodySize > 0 {
		body := bytes.Repeat([]byte("x"), bodySize)
		req = []byte(fmt.Sprintf("POST %s HTTP/1.1\r\nHost: %s\r\nContent-Length: %d\r\n\r\n%s",
			path, addr, bodySize, body))
	} else {
		req = []byte(fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\n\r\n", path, addr))
	}

	for i := 0; i < requests; i++ {
		begin := time.Now()
		_ = conn.SetDeadline(time.Now().Add(timeout))
		if _, err := conn.Write(req); err != nil {
			res.errs += requests - i
			return res
		}
		status, reusable, err := discardResponse(br)
		if err != nil {
			res.errs += requests - i
			return res
		}
		res.latencies = append(res.latencies, time.Since(begin))
		res.status[status]++
		if !reusable && i+1 < requests {
			_ = conn.Close()
			conn, err = net.DialTimeout("tcp", addr, timeout)
			if err != nil {
				res.errs += requests - i - 1
				return res
			}
			br = bufio.NewReader(conn)
		}
	}
	return res
}

// discardResponse consumes one response, returning its status and
// whether the connection can serve another request.
func discardResponse(br *bufio.Reader) (status int, reusable bool, err error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return 0, false, err
	}
	parts := strings.SplitN(strings.TrimRight(line, "\r\n"), " ", 3)
	if len(parts) < 2 {
		return 0, false, fmt.Errorf("bad status line %q", line)
	}
	status, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, false, err
	}

	contentLength := -1
	chunked := false
	reusable = true
	for {
		h, err := br.ReadString('\n')
		if err != nil {
			return 0, false, err
		}
		h = strings.TrimRight(h, "\r\n")
		if h == "" {
			break
		}
		k, v, _ := strings.Cut(h, ":")
		v = strings.TrimSpace(v)
		switch strings.ToLower(k) {
		case "content-length":
			contentLength, err = strconv.Atoi(v)
			if err != nil {
				return 0, false, err
			}
		case "transfer-encoding":
			chunked = strings.Contains(strings.ToLower(v), "chunked")
		case "connection":
			reusable = !strings.EqualFold(v, "close")
		}
	}

	switch {
	case chunked:
		for {
			sz, err := br.ReadString('\n')
			if err != nil {
				return 0, false, err
			}
			n, err := strconv.ParseInt(strings.TrimRight(sz, "\r\n"), 16, 64)
			if err != nil {
				return 0, false, err
			}
			if _, err := br.Discard(int(n) + 2); err != nil {
				return 0, false, err
			}
			if n == 0 {
				return status, reusable, nil
			}
		}
	case contentLength >= 0:
		if _, err := br.Discard(contentLength); err != nil {
			return 0, false, err
		}
		return status, reusable, nil
	default:
		if _, err := io.Copy(io.Discard, br); err != nil {
			return 0, false, err
		}
		return status, false, nil
	}
}

func report(all []result, elapsed time.Duration, clients, requests int) {
	var lats []time.Duration
	status := make(map[int]int)
	errs := 0
	for _, r := range all {
		lats = append(lats, r.latencies...)
		errs += r.errs
		for s, n := range r.status {
			status[s] += n
		}
	}
	sort.Slice(lats, func(i, j int) bool { return lats[i] < lats[j] })

	total := len(lats)
	fmt.Printf("%d clients x %d requests: %d completed, %d failed in %v\n",
		clients, requests, total, errs, elapsed.Round(time.Millisecond))
	if total == 0 {
		return
	}
	fmt.Printf("throughput: %.0f req/s\n", float64(total)/elapsed.Seconds())
	codes := make([]int, 0, len(status))
	for s := range status {
		codes = append(codes, s)
	}
	sort.Ints(codes)
	for _, s := range codes {
		fmt.Printf("  status %d: %d\n", s, status[s])
	}
	fmt.Printf("latency p50 %v  p90 %v  p99 %v  max %v\n",
		percentile(lats, 0.50), percentile(lats, 0.90), percentile(lats, 0.99), lats[total-1])
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(q*float64(len(sorted)-1))]
}
