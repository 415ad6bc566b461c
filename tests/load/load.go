//go:build load
// +build load

// Load generator for a running switchboard daemon.
//
// Usage:
//
//	go run -tags load ./tests/load -addr 127.0.0.1:7070 -requests 1000 -workers 10 -mode churn
//
// Modes: "list" hammers the session listing, "churn" spawns and
// destroys a short-lived shell per request. Churn mode forks real
// processes; size -requests accordingly.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/switchboard-sh/switchboard/internal/client"
)

var (
	addr     = flag.String("addr", "127.0.0.1:7070", "daemon address")
	requests = flag.Int("requests", 1000, "total number of requests")
	workers  = flag.Int("workers", 10, "number of concurrent workers")
	mode     = flag.String("mode", "list", "list or churn")
	token    = flag.String("token", "", "bearer token for authenticated daemons")
)

type result struct {
	duration time.Duration
	err      error
}

func main() {
	flag.Parse()

	var opts []client.Option
	if *token != "" {
		opts = append(opts, client.WithToken(*token))
	}
	cl := client.New(*addr, opts...)

	if _, err := cl.Health(context.Background()); err != nil {
		log.Fatalf("Daemon not reachable at %s: %v", *addr, err)
	}

	var op func(context.Context, *client.Client) error
	switch *mode {
	case "list":
		op = doList
	case "churn":
		op = doChurn
	default:
		log.Fatalf("Unknown mode %q", *mode)
	}

	log.Printf("Starting load test against %s", *addr)
	log.Printf("Mode: %s, Requests: %d, Workers: %d", *mode, *requests, *workers)

	results := runLoad(cl, op, *requests, *workers)
	report(results)
}

func doList(ctx context.Context, cl *client.Client) error {
	_, err := cl.ListSessions(ctx)
	return err
}

func doChurn(ctx context.Context, cl *client.Client) error {
	summary, err := cl.CreateSession(ctx, client.CreateRequest{
		Command: "sh",
		Args:    []string{"-c", "true"},
		Label:   "load",
	})
	if err != nil {
		// Capacity pushback is the expected failure under churn.
		return err
	}
	return cl.DestroySession(ctx, summary.ID, 0)
}

func runLoad(cl *client.Client, op func(context.Context, *client.Client) error, total, workers int) []result {
	results := make([]result, 0, total)
	var mu sync.Mutex

	var completed atomic.Int32
	start := time.Now()

	work := make(chan struct{}, total)
	for i := 0; i < total; i++ {
		work <- struct{}{}
	}
	close(work)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range work {
				res := timeOp(cl, op)

				mu.Lock()
				results = append(results, res)
				mu.Unlock()

				count := completed.Add(1)
				if count%100 == 0 {
					elapsed := time.Since(start)
					rps := float64(count) / elapsed.Seconds()
					log.Printf("Progress: %d/%d requests (%.2f req/sec)", count, total, rps)
				}
			}
		}()
	}
	wg.Wait()

	return results
}

func timeOp(cl *client.Client, op func(context.Context, *client.Client) error) result {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	err := op(ctx, cl)
	return result{duration: time.Since(start), err: err}
}

func report(results []result) {
	if len(results) == 0 {
		log.Println("No results to analyze")
		return
	}

	var (
		totalDuration time.Duration
		successCount  int
		errorCount    int
		durations     []time.Duration
	)
	for _, r := range results {
		totalDuration += r.duration
		if r.err == nil {
			successCount++
		} else {
			errorCount++
		}
		durations = append(durations, r.duration)
	}
	slices.Sort(durations)

	total := len(results)
	fmt.Println("\n========================================")
	fmt.Println("Load Test Results")
	fmt.Println("========================================")
	fmt.Printf("Total Requests:    %d\n", total)
	fmt.Printf("Successful:        %d (%.2f%%)\n", successCount, float64(successCount)/float64(total)*100)
	fmt.Printf("Failed:            %d (%.2f%%)\n", errorCount, float64(errorCount)/float64(total)*100)
	fmt.Println("----------------------------------------")
	fmt.Printf("Average Latency:   %v\n", totalDuration/time.Duration(total))
	fmt.Printf("P50 Latency:       %v\n", durations[total*50/100])
	fmt.Printf("P95 Latency:       %v\n", durations[total*95/100])
	fmt.Printf("P99 Latency:       %v\n", durations[total*99/100])
	fmt.Printf("Max Latency:       %v\n", durations[total-1])
	fmt.Println("========================================")
}
