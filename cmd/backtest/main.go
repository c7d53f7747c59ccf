// Command backtest demonstrates wiring a run end to end: load config,
// construct the engine and a Prometheus collector, replay a small
// synthetic event stream with no strategy attached, and log a summary of
// the run (fill and rejection counts, realized PnL, fees paid).
//
// No concrete dataset adapter ships with this module (§6 scopes that out);
// the event stream here exists only to exercise the wiring and is not
// meant to stand in for a real historical feed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fenrir/internal/config"
	"fenrir/internal/engine"
	"fenrir/internal/marketdata"
	"fenrir/internal/metrics"
)

func main() {
	cfgPath := flag.String("config", "", "path to a YAML config file; defaults are used if empty")
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "backtest: %v\n", err)
			os.Exit(1)
		}
		cfg = *loaded
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "backtest: invalid config: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	eng := engine.New(cfg.ToEngineConfig(), cfg.ToBrokerConfig())
	eng.WithMetrics(collector)

	src := demoSource()
	res, err := eng.Run(ctx, src, nil)
	if err != nil {
		log.Error().Err(err).Msg("backtest: run ended with an error")
		os.Exit(1)
	}

	log.Info().
		Str("run_id", res.RunID).
		Int("fills", len(res.Fills)).
		Int("rejections", len(res.Rejections)).
		Float64("realized_pnl_usdt", res.Portfolio.RealizedPnLUsdt()).
		Float64("fees_paid_usdt", res.Portfolio.FeesPaidUsdt()).
		Msg("backtest: run complete")
}

func setupLogging(level, format string) {
	zerolog.SetGlobalLevel(parseLevel(level))
	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// demoSource replays a handful of events on one synthetic symbol, enough
// to exercise a depth update, a trade print, and a mark/funding snapshot.
func demoSource() engine.EventSource {
	events := []marketdata.Event{
		{Kind: marketdata.EventDepth, Depth: &marketdata.DepthUpdate{
			EventTimeMs: 0, Symbol: "BTCUSDT",
			BidUpdates: []marketdata.PriceQty{{Price: 49999, Qty: 5}},
			AskUpdates: []marketdata.PriceQty{{Price: 50001, Qty: 5}},
		}},
		{Kind: marketdata.EventTrade, Trade: &marketdata.Trade{
			EventTimeMs: 10, Symbol: "BTCUSDT", TradeID: 1, Price: 50001, Quantity: 1, IsBuyerMaker: false,
		}},
		{Kind: marketdata.EventMark, Mark: &marketdata.MarkPrice{
			EventTimeMs: 1000, Symbol: "BTCUSDT", MarkPrice: 50000, FundingRate: 0.0001, NextFundingTimeMs: 1000,
		}},
	}
	return &demoEventSource{events: events}
}

type demoEventSource struct {
	events []marketdata.Event
	pos    int
}

func (s *demoEventSource) Next() (marketdata.Event, bool, error) {
	if s.pos >= len(s.events) {
		return marketdata.Event{}, false, nil
	}
	e := s.events[s.pos]
	s.pos++
	return e, true, nil
}

func (s *demoEventSource) Close() error { return nil }
