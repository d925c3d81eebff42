package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"arena/internal/chaos"
	"arena/internal/quote"

	"github.com/yanun0323/logs"
)

// Polls a chaos-wrapped synthetic source the way the arena does and reports how
// often each symbol made it into a tick.
func main() {
	symbols := flag.String("symbols", "SOL,BONK,WIF", "Comma separated symbols")
	polls := flag.Int("polls", 100, "Number of polls")
	seed := flag.Int64("seed", 0, "RNG seed (0=now)")
	dropRate := flag.Float64("drop-rate", 0.1, "Fetch failure probability [0-1]")
	emptyRate := flag.Float64("empty-rate", 0.05, "Empty answer probability [0-1]")
	maxDelay := flag.Duration("max-delay", 0, "Max injected latency")
	timeout := flag.Duration("fetch-timeout", time.Second, "Per fetch timeout")
	flag.Parse()

	syms := strings.Split(strings.ToUpper(*symbols), ",")
	start := make(map[string]float64, len(syms))
	for _, s := range syms {
		start[s] = 1
	}

	src, err := chaos.Wrap(quote.NewSynthetic("synthetic", *seed, start, 0.01), chaos.Config{
		Seed:      *seed,
		DropRate:  *dropRate,
		EmptyRate: *emptyRate,
		MaxDelay:  *maxDelay,
	})
	if err != nil {
		logs.Errorf("chaos: %+v", err)
		os.Exit(1)
	}
	agg := quote.NewAggregator(quote.Config{Symbols: syms, FetchTimeout: *timeout}, []quote.Source{src})

	ctx := context.Background()
	seen := make(map[string]int, len(syms))
	var empty int
	for i := 0; i < *polls; i++ {
		fresh := agg.Poll(ctx)
		if len(fresh) == 0 {
			empty++
			continue
		}
		agg.Commit(fresh)
		for sym := range fresh {
			seen[sym]++
		}
	}

	sort.Strings(syms)
	fmt.Printf("polls=%d ticks=%d empty=%d\n", *polls, agg.Book().Tick(), empty)
	for _, s := range syms {
		fmt.Printf("  %-8s fresh=%d (%.1f%%)\n", s, seen[s], 100*float64(seen[s])/float64(*polls))
	}
}
