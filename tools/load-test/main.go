package main

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

func main() {
	// Configuration
	baseURL := "http://localhost:8080/api/v1"
	contentType := "application/json"

	// Coordinates straddle the default office fence so roughly half the
	// events exercise the rejection path.
	officeLat, officeLon := 37.909411, 23.871109
	farLat, farLon := officeLat+0.01, officeLon+0.01

	numWorkers := 2000
	eventsPerWorker := 2
	totalRequests := numWorkers * eventsPerWorker
	concurrency := 50 // Number of concurrent requests to avoid local port exhaustion

	fmt.Printf("Registering %d workers at %s\n", numWorkers, baseURL)

	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency) // Semaphore to limit concurrency

	var registered int64
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		sem <- struct{}{} // Acquire token

		go func(n int) {
			defer wg.Done()
			defer func() { <-sem }() // Release token

			payload := []byte(fmt.Sprintf(
				`{"workerId": "load-test-%d", "name": "Load Tester %d", "phone": "+30210%07d", "chatId": %d}`,
				n, n, n, 1_000_000+n))
			resp, err := http.Post(baseURL+"/workers", contentType, bytes.NewBuffer(payload))
			if err != nil {
				return
			}
			if resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusConflict {
				atomic.AddInt64(&registered, 1)
			}
			resp.Body.Close()
		}(i)
	}
	wg.Wait()
	fmt.Printf("Registered: %d\n\n", registered)

	fmt.Printf("Starting load test: %d workers (%d events each) with concurrency %d\n", numWorkers, eventsPerWorker, concurrency)

	var successCount int64
	var failCount int64

	startTime := time.Now()

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		sem <- struct{}{} // Acquire token

		go func(n int) {
			defer wg.Done()
			defer func() { <-sem }() // Release token

			lat, lon := officeLat, officeLon
			if n%2 == 1 {
				lat, lon = farLat, farLon
			}

			for j := 0; j < eventsPerWorker; j++ {
				kind := "CHECK_IN"
				if j%2 == 1 {
					kind = "CHECK_OUT"
				}
				payload := []byte(fmt.Sprintf(
					`{"workerId": "load-test-%d", "kind": "%s", "lat": %f, "lon": %f}`,
					n, kind, lat, lon))

				resp, err := http.Post(baseURL+"/events", contentType, bytes.NewBuffer(payload))
				if err != nil {
					atomic.AddInt64(&failCount, 1)
					continue
				}

				if resp.StatusCode >= 200 && resp.StatusCode < 300 {
					atomic.AddInt64(&successCount, 1)
				} else {
					atomic.AddInt64(&failCount, 1)
				}
				resp.Body.Close()
			}
		}(i)
	}

	wg.Wait()
	duration := time.Since(startTime)

	fmt.Println("\n--- Load Test Results ---")
	fmt.Printf("Total Duration: %v\n", duration)
	fmt.Printf("Total Requests: %d\n", totalRequests)
	fmt.Printf("Successful:     %d\n", successCount)
	fmt.Printf("Failed:         %d\n", failCount)
	fmt.Printf("Requests/Sec:   %.2f\n", float64(totalRequests)/duration.Seconds())
}
