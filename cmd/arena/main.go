package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"arena/internal/arena"
	"arena/internal/chaos"
	"arena/internal/llm"
	"arena/internal/obs"
	"arena/internal/ops"
	"arena/internal/quote"
	"arena/internal/server"
	"arena/internal/state"
	"arena/internal/store"
	"arena/pkg/conn"
	"arena/pkg/websocket"

	"github.com/grafana/pyroscope-go"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const shutdownTimeout = 10 * time.Second

// syntheticStart seeds the offline random walk for the usual symbols.
var syntheticStart = map[string]float64{
	"SOL":  150,
	"BONK": 0.00002,
	"WIF":  2.5,
	"JUP":  0.9,
}

func main() {
	configPath := flag.String("config", "", "Path to YAML or JSON config (empty = defaults)")
	envFile := flag.String("env", ".env", "Optional .env file")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	flag.Parse()

	if err := run(*configPath, *envFile, *addr); err != nil {
		logs.Errorf("arena: %+v", err)
		os.Exit(1)
	}
}

func run(configPath, envFile, addr string) error {
	cfg, err := ops.Load(configPath, envFile)
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	if addr != "" {
		cfg.Addr = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.PyroscopeAddr != "" {
		profiler, err := startProfiler(cfg.PyroscopeAddr)
		if err != nil {
			return err
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	sources, err := buildSources(cfg)
	if err != nil {
		return err
	}

	archive, closeArchive, err := buildArchive(ctx, cfg.DSN)
	if err != nil {
		return err
	}
	defer closeArchive()

	var journal *state.Journal
	if cfg.JournalPath != "" {
		journal, err = state.OpenJournal(cfg.JournalPath, 0)
		if err != nil {
			return errors.Wrap(err, "open trade journal")
		}
	}

	providers := make([]llm.Provider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers = append(providers, llm.NewOpenAI(p.Name, p.URL, p.APIKey, p.Model))
	}

	use := arena.New(arena.Config{
		Quote:        cfg.Quote,
		Session:      cfg.Session,
		Engine:       cfg.Engine,
		Epoch:        cfg.Epoch,
		LLM:          cfg.LLM,
		SnapshotPath: cfg.SnapshotPath,
	}, arena.Deps{
		Sources:   sources,
		Providers: providers,
		Archive:   archive,
		Journal:   journal,
		Metrics:   obs.NewMetrics(),
	})

	res, err := use.Recover()
	if err != nil {
		return errors.Wrap(err, "recover arena state")
	}
	logs.Infof("arena: snapshot restored %v, epoch %d, %d agents, replayed %d trades, skipped %d",
		res.Restored, res.Epoch, use.Sessions().Len(), res.Replayed, res.Skipped)

	if journal != nil {
		if err := journal.Start(ctx); err != nil {
			return errors.Wrap(err, "start trade journal")
		}
	}

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: server.New(use, server.Config{
			AdminSecret: cfg.AdminSecret,
			WS:          websocket.Option{ReadTimeout: cfg.Session.HeartbeatTimeout},
		}),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 2)
	go func() {
		logs.Infof("arena: listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- errors.Wrap(err, "listen and serve")
		}
	}()
	go func() {
		if err := use.Run(ctx); err != nil {
			errCh <- errors.Wrap(err, "run arena")
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logs.Info("arena: shutting down")
	case runErr = <-errCh:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logs.Errorf("arena: http shutdown, err: %+v", err)
	}
	if err := use.Checkpoint(); err != nil {
		logs.Errorf("arena: final checkpoint, err: %+v", err)
	}
	if journal != nil {
		if err := journal.Close(); err != nil {
			logs.Errorf("arena: close journal, err: %+v", err)
		}
		if lost := journal.Lost(); lost > 0 {
			logs.Errorf("arena: %d trades never reached the journal", lost)
		}
	}
	return runErr
}

func buildSources(cfg ops.Loaded) ([]quote.Source, error) {
	var src quote.Source
	switch cfg.Source {
	case ops.SourceDexScreener:
		src = quote.NewDexScreener(cfg.DexScreenerURL, cfg.Tokens)
	default:
		start := make(map[string]float64, len(cfg.Quote.Symbols))
		for _, s := range cfg.Quote.Symbols {
			p, ok := syntheticStart[s]
			if !ok {
				p = 1
			}
			start[s] = p
		}
		src = quote.NewSynthetic("synthetic", time.Now().UnixNano(), start, 0.01)
	}

	if cfg.Chaos.Enabled() {
		wrapped, err := chaos.Wrap(src, cfg.Chaos)
		if err != nil {
			return nil, errors.Wrap(err, "wrap chaos source")
		}
		logs.Infof("arena: chaos enabled on %s, drop %.2f empty %.2f", src.ID(), cfg.Chaos.DropRate, cfg.Chaos.EmptyRate)
		return []quote.Source{wrapped}, nil
	}
	return []quote.Source{src}, nil
}

func buildArchive(ctx context.Context, dsn string) (store.Archive, func(), error) {
	if dsn == "" {
		return store.NewMemory(), func() {}, nil
	}
	client, err := conn.New(conn.Option{ConnString: dsn})
	if err != nil {
		return nil, nil, errors.Wrap(err, "connect archive database")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		_ = client.Close()
		return nil, nil, errors.Wrap(err, "ping archive database")
	}
	db, err := store.NewDB(client.DB())
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return db, func() { _ = client.Close() }, nil
}

func startProfiler(addr string) (*pyroscope.Profiler, error) {
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "arena",
		ServerAddress:   addr,
		Logger:          profilerLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "start pyroscope")
	}
	return profiler, nil
}

type profilerLogger struct{}

func (profilerLogger) Infof(format string, args ...interface{}) {
	logs.Infof("pyroscope: "+format, args...)
}
func (profilerLogger) Debugf(_ string, _ ...interface{}) {}
func (profilerLogger) Errorf(format string, args ...interface{}) {
	logs.Errorf("pyroscope: "+format, args...)
}
