package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kscalelabs/kodachrome/model"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "eval_server base URL")
	subject := flag.String("subject", "walker", "policy subject to evaluate")
	profile := flag.String("profile", "walking_and_standing_unittest", "evaluation profile")
	totalRequests := flag.Int("n", 100, "number of submissions")
	ratePerSecond := flag.Int("rate", 5, "submissions per second")
	flag.Parse()

	if *ratePerSecond < 1 {
		log.Fatalf("rate must be >= 1")
	}
	url := *server + "/eval"

	ticker := time.NewTicker(time.Second / time.Duration(*ratePerSecond))
	defer ticker.Stop()

	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
		rejected atomic.Int64
	)
	client := &http.Client{Timeout: 30 * time.Second}

	for i := 1; i <= *totalRequests; i++ {
		<-ticker.C // enforce rate limit

		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			jsonData, _ := json.Marshal(model.JobRequest{
				Subject: *subject,
				Profile: *profile,
				Caller:  fmt.Sprintf("loadtest-%d", n),
			})

			req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(jsonData))
			if err != nil {
				fmt.Printf("Request %d: error creating request: %v\n", n, err)
				return
			}

			req.Header.Set("Content-Type", "application/json")

			resp, err := client.Do(req)
			if err != nil {
				fmt.Printf("Request %d: error sending request: %v\n", n, err)
				rejected.Add(1)
				return
			}
			defer resp.Body.Close()

			bodyBytes, err := io.ReadAll(resp.Body)
			if err != nil {
				log.Fatal(err)
			}
			if resp.StatusCode == http.StatusAccepted {
				accepted.Add(1)
			} else {
				rejected.Add(1)
			}

			fmt.Printf("Request %d -> Status: %d, content: %s\n", n, resp.StatusCode, bytes.TrimSpace(bodyBytes))
		}(i)
	}

	wg.Wait()
	fmt.Printf("All requests completed: %d accepted, %d rejected\n", accepted.Load(), rejected.Load())
}
