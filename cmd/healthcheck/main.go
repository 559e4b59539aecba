// Package main is a probe binary for container images that ship without a
// shell. It GETs the status server's readiness endpoint and exits 0 on a
// 2xx response.
// Usage: healthcheck [url]   (default http://localhost:8080/readyz)
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"
)

const defaultURL = "http://localhost:8080/readyz"

func main() {
	url := defaultURL
	if len(os.Args) > 1 {
		url = os.Args[1]
	} else if v := os.Getenv("ASYNC_HEALTHCHECK_URL"); v != "" {
		url = v
	}

	if err := probe(&http.Client{Timeout: 5 * time.Second}, url); err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
		os.Exit(1)
	}
}

func probe(client *http.Client, url string) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	return nil
}
