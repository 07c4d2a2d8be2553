package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/brigade/internal/protocol"
	"github.com/ent0n29/brigade/internal/reliability"
)

type options struct {
	baseURL      string
	speciality   string
	staff        int
	orders       int
	concurrency  int
	payload      string
	retries      int
	retryBase    time.Duration
	retryCap     time.Duration
	orderTimeout time.Duration
	staffDelay   time.Duration
	verbose      bool
}

// replyError is an error event the service sent instead of a result.
type replyError struct {
	protocol.ErrorEvent
}

func (e *replyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

type summary struct {
	Orders    int
	Succeeded int
	Failed    int
	Retries   int
	Codes     map[string]int
	P50       time.Duration
	P95       time.Duration
	Max       time.Duration
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "brigadeload: %v\n", err)
		os.Exit(2)
	}
	sum, err := run(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "brigadeload: %v\n", err)
		os.Exit(1)
	}
	printSummary(sum)
	if sum.Failed > 0 {
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	fs := flag.NewFlagSet("brigadeload", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "brigade base URL")
	fs.StringVar(&cfg.speciality, "speciality", "grill", "speciality ordered and served")
	fs.IntVar(&cfg.staff, "staff", 2, "number of simulated staff to put on duty (0 uses existing staff)")
	fs.IntVar(&cfg.orders, "orders", 20, "number of orders to place")
	fs.IntVar(&cfg.concurrency, "concurrency", 4, "orders in flight at once")
	fs.StringVar(&cfg.payload, "payload", "burger", "order payload")
	fs.IntVar(&cfg.retries, "retries", 3, "retries for retryable error replies")
	fs.DurationVar(&cfg.retryBase, "retry-base", 100*time.Millisecond, "initial retry backoff")
	fs.DurationVar(&cfg.retryCap, "retry-cap", 2*time.Second, "maximum retry backoff")
	fs.DurationVar(&cfg.orderTimeout, "order-timeout", 15*time.Second, "timeout per order attempt")
	fs.DurationVar(&cfg.staffDelay, "staff-delay", 0, "simulated preparation time per order")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print every order")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	cfg.speciality = strings.TrimSpace(cfg.speciality)
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.speciality == "" {
		return options{}, fmt.Errorf("speciality is required")
	}
	if cfg.staff < 0 {
		return options{}, fmt.Errorf("staff must be >= 0")
	}
	if cfg.orders <= 0 {
		return options{}, fmt.Errorf("orders must be > 0")
	}
	if cfg.concurrency <= 0 {
		cfg.concurrency = 1
	}
	if cfg.retries < 0 {
		cfg.retries = 0
	}
	if cfg.orderTimeout < time.Second {
		cfg.orderTimeout = time.Second
	}
	return cfg, nil
}

func run(ctx context.Context, cfg options) (summary, error) {
	wsURL, err := wsURLFor(cfg.baseURL)
	if err != nil {
		return summary{}, fmt.Errorf("build ws URL: %w", err)
	}

	staffCtx, stopStaff := context.WithCancel(ctx)
	var staffWG sync.WaitGroup
	defer func() {
		stopStaff()
		staffWG.Wait()
	}()
	for i := 0; i < cfg.staff; i++ {
		id := fmt.Sprintf("load-staff-%d", i+1)
		conn, err := putOnDuty(ctx, wsURL, id, cfg.speciality)
		if err != nil {
			return summary{}, fmt.Errorf("staff %s: %w", id, err)
		}
		staffWG.Add(1)
		go func() {
			defer staffWG.Done()
			serveOrders(staffCtx, conn, cfg.staffDelay)
		}()
	}

	var (
		mu        sync.Mutex
		latencies []time.Duration
		sum       = summary{Orders: cfg.orders, Codes: make(map[string]int)}
	)
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < cfg.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range jobs {
				started := time.Now()
				result, retries, err := orderWithRetry(ctx, wsURL, cfg)
				elapsed := time.Since(started)

				mu.Lock()
				sum.Retries += retries
				if err != nil {
					sum.Failed++
					var re *replyError
					if errors.As(err, &re) {
						sum.Codes[re.Code]++
					} else {
						sum.Codes["transport"]++
					}
				} else {
					sum.Succeeded++
					latencies = append(latencies, elapsed)
				}
				mu.Unlock()

				if cfg.verbose {
					if err != nil {
						fmt.Printf("brigadeload: order %d failed after %s: %v\n", n, elapsed.Round(time.Millisecond), err)
					} else {
						fmt.Printf("brigadeload: order %d -> %q in %s\n", n, result, elapsed.Round(time.Millisecond))
					}
				}
			}
		}()
	}
	for n := 1; n <= cfg.orders; n++ {
		select {
		case jobs <- n:
		case <-ctx.Done():
		}
	}
	close(jobs)
	wg.Wait()

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	sum.P50 = percentile(latencies, 0.50)
	sum.P95 = percentile(latencies, 0.95)
	if len(latencies) > 0 {
		sum.Max = latencies[len(latencies)-1]
	}
	return sum, ctx.Err()
}

// orderWithRetry places one order, retrying replies the service marks as
// retryable with capped exponential backoff.
func orderWithRetry(ctx context.Context, wsURL string, cfg options) (string, int, error) {
	var lastErr error
	for attempt := 0; attempt <= cfg.retries; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, cfg.retryBase, cfg.retryCap)
			select {
			case <-ctx.Done():
				return "", attempt - 1, ctx.Err()
			case <-time.After(wait):
			}
		}
		result, err := placeOrder(ctx, wsURL, cfg.speciality, cfg.payload, cfg.orderTimeout)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err
		var re *replyError
		if !errors.As(err, &re) || !re.Retryable {
			return "", attempt, err
		}
	}
	return "", cfg.retries, lastErr
}

func placeOrder(ctx context.Context, wsURL, speciality, payload string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return "", fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}

	if err := conn.WriteJSON(protocol.Order{Type: protocol.TypeOrder, Speciality: speciality}); err != nil {
		return "", fmt.Errorf("send envelope: %w", err)
	}
	// An error reply may already be queued, so a failed payload write is only
	// reported when no reply can be read either.
	writeErr := conn.WriteMessage(websocket.TextMessage, []byte(payload))
	_, data, err := conn.ReadMessage()
	if err != nil {
		if writeErr != nil {
			return "", fmt.Errorf("send payload: %w", writeErr)
		}
		return "", fmt.Errorf("read result: %w", err)
	}
	if re := asReplyError(data); re != nil {
		return "", re
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return string(data), nil
}

func putOnDuty(ctx context.Context, wsURL, id, speciality string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	err = conn.WriteJSON(protocol.StaffOnDuty{
		Type:         protocol.TypeStaffOnDuty,
		ID:           id,
		Capabilities: []string{speciality},
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("send envelope: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read ack: %w", err)
	}
	if re := asReplyError(data); re != nil {
		conn.Close()
		return nil, re
	}
	_ = conn.SetReadDeadline(time.Time{})
	return conn, nil
}

// serveOrders answers every order with "done:<order>" until ctx ends or the
// connection drops.
func serveOrders(ctx context.Context, conn *websocket.Conn, delay time.Duration) {
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		if err := conn.WriteMessage(websocket.TextMessage, append([]byte("done:"), data...)); err != nil {
			return
		}
	}
}

func asReplyError(data []byte) *replyError {
	var ev protocol.ErrorEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.Type != protocol.TypeError {
		return nil
	}
	return &replyError{ErrorEvent: ev}
}

func wsURLFor(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/ws"
	return u.String(), nil
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func printSummary(sum summary) {
	fmt.Printf("brigadeload: orders=%d ok=%d failed=%d retries=%d\n", sum.Orders, sum.Succeeded, sum.Failed, sum.Retries)
	fmt.Printf("brigadeload: latency p50=%s p95=%s max=%s\n",
		sum.P50.Round(time.Millisecond), sum.P95.Round(time.Millisecond), sum.Max.Round(time.Millisecond))
	codes := make([]string, 0, len(sum.Codes))
	for code := range sum.Codes {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		fmt.Printf("brigadeload: error %s x%d\n", code, sum.Codes[code])
	}
}
