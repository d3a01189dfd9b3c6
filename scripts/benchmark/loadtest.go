package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Stream load tester for emberchatd. Each worker owns one chat session
// (the registry allows one stream per session) and sends messages back to
// back, measuring time to first chunk and total stream duration.

type Stats struct {
	totalStreams int64
	totalErrors  int64
	totalChars   int64

	mu          sync.Mutex
	firstChunk  []int64 // microseconds to first content event
	streamTotal []int64 // microseconds to terminal event
}

func main() {
	duration := flag.Int("duration", 30, "Test duration in seconds")
	concurrency := flag.Int("c", 4, "Number of concurrent sessions")
	baseURL := flag.String("url", "http://127.0.0.1:8085", "emberchatd base URL")
	chatPrefix := flag.String("chat-prefix", "bench", "chat session ID prefix; sessions <prefix>-0..N-1 must exist")

	flag.Parse()

	fmt.Printf("Starting stream load test:\n")
	fmt.Printf("  URL: %s\n", *baseURL)
	fmt.Printf("  Duration: %d seconds\n", *duration)
	fmt.Printf("  Sessions: %d (%s-0 .. %s-%d)\n", *concurrency, *chatPrefix, *chatPrefix, *concurrency-1)
	fmt.Println()

	stats := &Stats{}

	transport := &http.Transport{
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 1000,
		IdleConnTimeout:     90 * time.Second,
	}
	// no overall timeout: streams are long-lived
	client := &http.Client{Transport: transport}

	var wg sync.WaitGroup
	start := time.Now()
	done := make(chan struct{})

	for i := 0; i < *concurrency; i++ {
		chatID := fmt.Sprintf("%s-%d", *chatPrefix, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					runStream(client, *baseURL, chatID, stats)
				}
			}
		}()
	}

	time.AfterFunc(time.Duration(*duration)*time.Second, func() {
		close(done)
	})
	wg.Wait()

	elapsed := time.Since(start).Seconds()

	sort.Slice(stats.firstChunk, func(i, j int) bool { return stats.firstChunk[i] < stats.firstChunk[j] })
	sort.Slice(stats.streamTotal, func(i, j int) bool { return stats.streamTotal[i] < stats.streamTotal[j] })

	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("Benchmark Results")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Total Streams:      %d\n", stats.totalStreams)
	fmt.Printf("Total Failures:     %d\n", stats.totalErrors)
	fmt.Printf("Duration:           %.2f seconds\n", elapsed)
	fmt.Printf("Streams/sec:        %.2f\n", float64(stats.totalStreams)/elapsed)
	fmt.Printf("Chars streamed:     %d\n", stats.totalChars)
	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("First chunk P50:    %.2f ms\n", float64(percentile(stats.firstChunk, 0.50))/1000)
	fmt.Printf("First chunk P95:    %.2f ms\n", float64(percentile(stats.firstChunk, 0.95))/1000)
	fmt.Printf("First chunk P99:    %.2f ms\n", float64(percentile(stats.firstChunk, 0.99))/1000)
	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("Stream total P50:   %.2f ms\n", float64(percentile(stats.streamTotal, 0.50))/1000)
	fmt.Printf("Stream total P95:   %.2f ms\n", float64(percentile(stats.streamTotal, 0.95))/1000)
	fmt.Printf("Stream total P99:   %.2f ms\n", float64(percentile(stats.streamTotal, 0.99))/1000)
	fmt.Println(strings.Repeat("-", 60))
	if stats.totalStreams > 0 {
		fmt.Printf("Error Rate:         %.2f%%\n", float64(stats.totalErrors)/float64(stats.totalStreams)*100)
	}
	fmt.Println(strings.Repeat("=", 60))
}

// runStream sends one message and consumes the SSE response to the terminal
// event.
func runStream(client *http.Client, baseURL, chatID string, stats *Stats) {
	payload, _ := json.Marshal(map[string]string{"content": "Hello from the load test."})
	req, err := http.NewRequest("POST", baseURL+"/api/chats/"+chatID+"/messages", bytes.NewReader(payload))
	if err != nil {
		atomic.AddInt64(&stats.totalErrors, 1)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	begin := time.Now()
	resp, err := client.Do(req)
	atomic.AddInt64(&stats.totalStreams, 1)
	if err != nil {
		atomic.AddInt64(&stats.totalErrors, 1)
		return
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		atomic.AddInt64(&stats.totalErrors, 1)
		return
	}

	var firstChunk int64 = -1
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev struct {
			Type string `json:"type"`
			Data string `json:"data"`
		}
		if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev) != nil {
			atomic.AddInt64(&stats.totalErrors, 1)
			return
		}
		switch ev.Type {
		case "content":
			if firstChunk < 0 {
				firstChunk = time.Since(begin).Microseconds()
			}
			atomic.AddInt64(&stats.totalChars, int64(len(ev.Data)))
		case "done":
			total := time.Since(begin).Microseconds()
			stats.mu.Lock()
			if firstChunk >= 0 {
				stats.firstChunk = append(stats.firstChunk, firstChunk)
			}
			stats.streamTotal = append(stats.streamTotal, total)
			stats.mu.Unlock()
			return
		default: // error or cancelled
			atomic.AddInt64(&stats.totalErrors, 1)
			return
		}
	}
	atomic.AddInt64(&stats.totalErrors, 1)
}

func percentile(latencies []int64, p float64) int64 {
	if len(latencies) == 0 {
		return 0
	}
	index := int(float64(len(latencies)) * p)
	if index >= len(latencies) {
		index = len(latencies) - 1
	}
	return latencies[index]
}
