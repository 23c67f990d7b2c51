//go:build ignore

// verify-anchors.go bulk-checks a set of entity snapshots against a running
// anchord instance and reports which ones no longer match their anchored
// digests.
//
// Input file format: a JSON array of {"entity_id": "...", "snapshot": {...}}.
//
// Run with: go run scripts/verify-anchors.go -server http://localhost:8080 -file entities.json
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/chainseal/chainseal/pkg/client"
)

type entity struct {
	EntityID string         `json:"entity_id"`
	Snapshot map[string]any `json:"snapshot"`
}

type result struct {
	entityID string
	valid    bool
	reason   string
	err      string
	latency  time.Duration
}

func verify(ctx context.Context, c *client.Client, e entity) result {
	start := time.Now()
	res, err := c.Verify(ctx, e.EntityID, e.Snapshot)
	latency := time.Since(start)
	if err != nil {
		msg := err.Error()
		if len(msg) > 80 {
			msg = msg[:80] + "..."
		}
		return result{entityID: e.EntityID, err: msg, latency: latency}
	}
	return result{entityID: e.EntityID, valid: res.Valid, reason: res.Reason, latency: latency}
}

func main() {
	server := flag.String("server", "http://localhost:8080", "anchord base URL")
	file := flag.String("file", "entities.json", "JSON file of entities to verify")
	workers := flag.Int("workers", 10, "concurrent verification requests")
	flag.Parse()

	raw, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", *file, err)
		os.Exit(1)
	}
	var entities []entity
	if err := json.Unmarshal(raw, &entities); err != nil {
		fmt.Fprintf(os.Stderr, "parse %s: %v\n", *file, err)
		os.Exit(1)
	}

	c := client.New(*server, 15*time.Second)
	ctx := context.Background()

	jobs := make(chan entity, len(entities))
	results := make(chan result, len(entities))

	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range jobs {
				results <- verify(ctx, c, e)
			}
		}()
	}

	for _, e := range entities {
		jobs <- e
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	var valid, tampered, unanchored, failed []result
	checked := 0
	for r := range results {
		checked++
		fmt.Printf("\r  verifying... %d/%d", checked, len(entities))

		switch {
		case r.err != "":
			failed = append(failed, r)
		case r.valid:
			valid = append(valid, r)
		case r.reason == "not found on ledger":
			unanchored = append(unanchored, r)
		default:
			tampered = append(tampered, r)
		}
	}
	fmt.Printf("\r  done — %d entities verified\n\n", len(entities))

	for _, group := range [][]result{tampered, unanchored, failed} {
		sort.Slice(group, func(i, j int) bool {
			return group[i].entityID < group[j].entityID
		})
	}

	fmt.Printf("══════════════════════════════════════════════════════\n")
	fmt.Printf("  Anchor Verification Report — %s\n", *server)
	fmt.Printf("  valid: %d  |  tampered: %d  |  unanchored: %d  |  errors: %d\n",
		len(valid), len(tampered), len(unanchored), len(failed))
	fmt.Printf("══════════════════════════════════════════════════════\n\n")

	if len(tampered) > 0 {
		fmt.Println("── MISMATCHED (snapshot differs from anchored digest) ──")
		for _, r := range tampered {
			fmt.Printf("  ✦ %s  (%dms)\n", r.entityID, r.latency.Milliseconds())
		}
		fmt.Println()
	}

	if len(unanchored) > 0 {
		fmt.Println("── Not anchored ──")
		for _, r := range unanchored {
			fmt.Printf("  • %s\n", r.entityID)
		}
		fmt.Println()
	}

	if len(failed) > 0 {
		fmt.Println("── Request errors ──")
		for _, r := range failed {
			fmt.Printf("  • %s: %s\n", r.entityID, r.err)
		}
		fmt.Println()
	}

	if len(tampered) == 0 && len(failed) == 0 {
		fmt.Println("  No mismatches detected.")
	}

	if len(tampered) > 0 {
		os.Exit(1)
	}
}
