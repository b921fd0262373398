package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/myuser/typedkv/internal/log"
)

var colors = []string{"red", "green", "blue", "yellow"}

// statement draws one statement of the mixed workload.
func statement(table string, keys int) string {
	key := fmt.Sprintf("user%05d", rand.Intn(keys))
	switch p := rand.Float32(); {
	case p < 0.4:
		return fmt.Sprintf(`INSERT INTO %s VALUES ('%s', '{"color":"%s","n":%d}')`,
			table, key, colors[rand.Intn(len(colors))], rand.Intn(1000))
	case p < 0.7:
		return fmt.Sprintf("SELECT * FROM %s WHERE id = '%s'", table, key)
	case p < 0.85:
		return fmt.Sprintf("SELECT id FROM %s WHERE id >= '%s' LIMIT 20", table, key)
	case p < 0.95:
		return fmt.Sprintf("SELECT id FROM %s WHERE color = '%s' LIMIT 20", table, colors[rand.Intn(len(colors))])
	default:
		return fmt.Sprintf("DELETE FROM %s WHERE id = '%s'", table, key)
	}
}

func main() {
	concurrency := flag.Int("concurrency", 10, "Number of concurrent workers")
	duration := flag.Duration("duration", 10*time.Second, "Test duration")
	target := flag.String("target", "http://localhost:9001/execute", "Store node execute URL")
	table := flag.String("table", "docs", "Table name")
	keys := flag.Int("keys", 10000, "Key space size")
	flag.Parse()

	log.Init(log.Options{Type: log.ConsoleLogger})
	log.Root.Info().
		Int("workers", *concurrency).
		Dur("duration", *duration).
		Str("target", *target).
		Msg("starting benchmark")

	var ops, failures int64
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	client := &http.Client{Timeout: 5 * time.Second}
	var wg sync.WaitGroup
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				sql := statement(*table, *keys)
				resp, err := client.Get(*target + "?sql=" + url.QueryEscape(sql))
				if err != nil {
					if n := atomic.AddInt64(&failures, 1); n <= 5 {
						log.Root.Warn().Err(err).Str("sql", sql).Msg("request failed")
					}
					continue
				}
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				if resp.StatusCode >= 400 {
					if n := atomic.AddInt64(&failures, 1); n <= 5 {
						log.Root.Warn().Int("status", resp.StatusCode).Str("sql", sql).Msg("statement rejected")
					}
					continue
				}
				atomic.AddInt64(&ops, 1)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)
	log.Root.Info().
		Int64("ops", ops).
		Int64("errors", failures).
		Dur("elapsed", elapsed).
		Float64("rps", float64(ops)/elapsed.Seconds()).
		Msg("benchmark finished")
}
