package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"arena/internal/arena"
	"arena/internal/engine"
	"arena/internal/epoch"
	"arena/internal/model"
	"arena/internal/quote"
	"arena/internal/session"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// strategy picks an order for one symbol given the previous and current price.
type strategy func(rng *rand.Rand, prev, cur decimal.Decimal, held decimal.Decimal) (side string, ok bool)

var strategies = map[string]strategy{
	"momentum": func(_ *rand.Rand, prev, cur, held decimal.Decimal) (string, bool) {
		if cur.GreaterThan(prev) {
			return "BUY", true
		}
		return "SELL", held.IsPositive()
	},
	"contrarian": func(_ *rand.Rand, prev, cur, held decimal.Decimal) (string, bool) {
		if cur.LessThan(prev) {
			return "BUY", true
		}
		return "SELL", held.IsPositive()
	},
	"coinflip": func(rng *rand.Rand, _, _, held decimal.Decimal) (string, bool) {
		if rng.Intn(2) == 0 {
			return "BUY", true
		}
		return "SELL", held.IsPositive()
	},
	"hodl": func(_ *rand.Rand, _, _, held decimal.Decimal) (string, bool) {
		return "BUY", held.IsZero()
	},
}

type agent struct {
	id       string
	key      string
	strategy string
}

// Runs a whole tournament in process against a synthetic market: no network,
// no files, no LLM.
func main() {
	perStrategy := flag.Int("agents", 2, "Agents per strategy")
	epochs := flag.Int("epochs", 3, "Epochs to play")
	ticks := flag.Int("ticks", 50, "Ticks per epoch")
	budget := flag.String("budget", "100", "USD per buy")
	seed := flag.Int64("seed", 0, "RNG seed (0=now)")
	flag.Parse()

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	if err := run(*perStrategy, *epochs, *ticks, decimal.RequireFromString(*budget), *seed); err != nil {
		logs.Errorf("paper: %+v", err)
		os.Exit(1)
	}
}

func run(perStrategy, epochs, ticks int, budget decimal.Decimal, seed int64) error {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(seed))
	starting := decimal.NewFromInt(1000)
	symbols := []string{"SOL", "BONK", "WIF"}

	src := quote.NewSynthetic("synthetic", seed, map[string]float64{"SOL": 150, "BONK": 0.00002, "WIF": 2.5}, 0.02)
	use := arena.New(arena.Config{
		Quote:   quote.Config{Symbols: symbols},
		Session: session.Config{StartingBalance: starting, GroupCount: len(strategies)},
		Engine:  engine.Config{FreshnessBound: time.Hour},
		Epoch: epoch.Config{
			Duration:            time.Hour,
			EliminationFraction: 0.25,
			MinSurvivors:        2,
			StartingBalance:     starting,
			ResetLedgers:        true,
		},
	}, arena.Deps{Sources: []quote.Source{src}})

	var agents []agent
	for name := range strategies {
		for i := 0; i < perStrategy; i++ {
			id := fmt.Sprintf("%s-%d", name, i)
			reg, err := use.Register(ctx, id)
			if err != nil {
				return errors.Wrapf(err, "register %s", id)
			}
			agents = append(agents, agent{id: id, key: reg.APIKey, strategy: name})
		}
	}

	gone := make(map[string]bool)
	for e := 0; e < epochs; e++ {
		prev := map[string]decimal.Decimal{}
		for t := 0; t < ticks; t++ {
			if !use.Quotes().Tick(ctx) {
				continue
			}
			snap := use.Quotes().Book().Current()
			for _, a := range agents {
				if gone[a.id] {
					continue
				}
				sym := symbols[rng.Intn(len(symbols))]
				cur := snap.Quotes[sym].PriceUSD
				last, ok := prev[sym]
				if !ok {
					continue
				}
				if err := step(ctx, use, rng, a, sym, last, cur, budget); err != nil {
					return err
				}
			}
			for sym, q := range snap.Quotes {
				prev[sym] = q.PriceUSD
			}
		}

		closed, err := use.Epochs().Close(ctx)
		if err != nil {
			return errors.Wrapf(err, "close epoch %d", e+1)
		}
		report(closed)
		for _, id := range closed.Eliminated {
			gone[id] = true
		}
	}
	return nil
}

func step(ctx context.Context, use *arena.Usecase, rng *rand.Rand, a agent, sym string, prev, cur, budget decimal.Decimal) error {
	st, err := use.Status(a.id, a.key)
	if err != nil {
		return errors.Wrapf(err, "status of %s", a.id)
	}
	held := st.Positions[sym].Quantity
	side, ok := strategies[a.strategy](rng, prev, cur, held)
	if !ok {
		return nil
	}
	amount := budget
	if side == "SELL" {
		amount = held
	}
	_, err = use.Trade(ctx, a.id, a.key, arena.TradeRequest{
		Symbol: sym,
		Side:   side,
		Amount: amount,
		Reason: []string{a.strategy},
	})
	if err != nil {
		return errors.Wrapf(err, "trade of %s", a.id)
	}
	return nil
}

func report(e model.Epoch) {
	fmt.Printf("epoch %d: %d ranked, eliminated %v\n", e.Number, len(e.Rankings), e.Eliminated)
	for _, r := range e.Rankings {
		fmt.Printf("  #%-3d %-16s equity=%s pnl=%s%%\n", r.Rank, r.AgentID, r.Equity.StringFixed(2), r.PnLPercent.Shift(2).StringFixed(2))
	}
	for _, s := range e.Signals {
		fmt.Printf("  hive %-12s contribution=%s verdict=%v\n", s.Tag, s.Contribution.StringFixed(2), s.Verdict)
	}
}
