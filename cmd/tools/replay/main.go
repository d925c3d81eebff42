package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"arena/internal/engine"
	"arena/internal/quote"
	"arena/internal/session"
	"arena/internal/state"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

func main() {
	snapshotPath := flag.String("snapshot", "data/arena.json", "Arena snapshot to start from (may be missing)")
	journalPath := flag.String("journal", "data/trades.jsonl", "Trade journal to replay")
	expectPath := flag.String("expect", "", "Snapshot the replayed state must match")
	starting := flag.String("starting-balance", "1000", "Starting balance of agents created without a snapshot")
	flag.Parse()

	sessions := session.NewManager(session.Config{StartingBalance: decimal.RequireFromString(*starting)})
	eng := engine.New(engine.Config{}, sessions, quote.NewBook())

	res, err := state.Recover(state.RecoverConfig{SnapshotPath: *snapshotPath, JournalPath: *journalPath}, sessions, eng)
	if err != nil {
		logs.Errorf("replay: %+v", err)
		os.Exit(1)
	}
	fmt.Printf("snapshot=%v epoch=%d last_seq=%d replayed=%d skipped=%d\n",
		res.Restored, res.Epoch, res.LastSeq, res.Replayed, res.Skipped)

	var snap state.Snapshot
	eng.Freeze(func() {
		snap = state.Capture(eng, sessions, res.LastEpoch, time.Now())
	})
	printSessions(snap.Sessions)

	if *expectPath == "" {
		return
	}
	expected, ok, err := state.ReadSnapshot(*expectPath)
	if err != nil || !ok {
		logs.Errorf("replay: read expected snapshot %s, found %v, err: %+v", *expectPath, ok, err)
		os.Exit(1)
	}
	if err := state.CompareSnapshots(expected, snap); err != nil {
		logs.Errorf("replay: state differs from %s: %+v", *expectPath, err)
		os.Exit(1)
	}
	fmt.Println("replayed state matches", *expectPath)
}

func printSessions(live []session.Persisted) {
	for _, p := range live {
		symbols := make([]string, 0, len(p.Account.Positions))
		for s := range p.Account.Positions {
			symbols = append(symbols, s)
		}
		sort.Strings(symbols)
		parts := make([]string, 0, len(symbols))
		for _, s := range symbols {
			parts = append(parts, s+"="+p.Account.Positions[s].Quantity.String())
		}
		fmt.Printf("%-24s group=%d balance=%s %s\n", p.AgentID, p.GroupID, p.Account.Balance.StringFixed(2), strings.Join(parts, " "))
	}
}
