package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/ryandielhenn/zephyrts/pkg/series"
)

func main() {
	var (
		addr    string
		n       int
		conc    int
		batch   int
		nSeries int
	)
	cmd := &cobra.Command{
		Use:          "bench",
		Short:        "writes and reads series against a zephyrts node",
		SilenceUsage: true,
		RunE: func(*cobra.Command, []string) error {
			return bench(addr, n, conc, batch, nSeries)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "server address")
	cmd.Flags().IntVarP(&n, "requests", "n", 5000, "write requests")
	cmd.Flags().IntVarP(&conc, "concurrency", "c", 32, "concurrent clients")
	cmd.Flags().IntVar(&batch, "batch", 16, "points per write")
	cmd.Flags().IntVar(&nSeries, "series", 64, "distinct series")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func bench(addr string, n, conc, batch, nSeries int) error {
	client := &http.Client{Timeout: 5 * time.Second}
	var wg sync.WaitGroup
	var failed atomic.Int64
	start := time.Now()
	ch := make(chan struct{}, conc)

	for i := 0; i < n; i++ {
		wg.Add(1)
		ch <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-ch }()
			name := fmt.Sprintf("s%d", i%nSeries)
			points := make([]series.Point, batch)
			for j := range points {
				points[j] = series.Point{Timestamp: int64(i*batch + j), Value: rand.Float64()}
			}
			body, _ := json.Marshal(map[string]any{"points": points})
			if !ok(client.Post(addr+"/series/"+name, "application/json", bytes.NewReader(body))) {
				failed.Add(1)
			}
			if !ok(client.Get(fmt.Sprintf("%s/series/%s?from=%d", addr, name, i*batch))) {
				failed.Add(1)
			}
		}(i)
	}
	wg.Wait()
	dur := time.Since(start)
	fmt.Printf("Completed %d ops in %s (%.2f ops/s), %d failed\n", n*2, dur, float64(n*2)/dur.Seconds(), failed.Load())
	return nil
}

func ok(resp *http.Response, err error) bool {
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}
