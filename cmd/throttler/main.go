// Command throttler drives a price throttler with demo subscribers and a random
// price feed. Type "s" for stats, "j" for JSON stats and "q" to quit.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/pricethrottler/config"
	"github.com/coachpo/pricethrottler/internal/demo"
	"github.com/coachpo/pricethrottler/internal/observability"
	"github.com/coachpo/pricethrottler/internal/telemetry"
	"github.com/coachpo/pricethrottler/pkg/throttler"
)

const (
	throttlerLoggerPrefix    = "throttler "
	shutdownTimeout          = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

type options struct {
	configPath string
	slow       int
	fast       int
	printers   int
	screens    int
	prices     int
	rate       float64
	debug      bool
}

type counters struct {
	slow    atomic.Int64
	fast    atomic.Int64
	printer atomic.Int64
	screen  atomic.Int64
}

func main() {
	opts := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newThrottlerLogger()
	observability.SetLogger(observability.NewStdLogger(logger, opts.debug))

	settings, err := config.LoadOrDefault(ctx, opts.configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, slow_workers=%d, fast_workers=%d, threshold=%ds, period=%s",
		settings.Environment, settings.SlowWorkers, settings.FastWorkers, settings.SlowThresholdSeconds, settings.TickPeriod)

	meterProvider, telemetryShutdown, err := telemetry.Init(ctx, settings.Environment, settings.Telemetry)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}
	if settings.Telemetry.EnableMetrics && settings.Telemetry.OTLPEndpoint != "" {
		logger.Printf("telemetry initialised: endpoint=%s, service=%s", settings.Telemetry.OTLPEndpoint, settings.Telemetry.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}

	thr, err := throttler.New(settings, throttler.WithMeterProvider(meterProvider))
	if err != nil {
		logger.Fatalf("initialise throttler: %v", err)
	}

	var handled counters
	if err := subscribeDemo(thr, opts, &handled); err != nil {
		logger.Fatalf("subscribe demo workers: %v", err)
	}
	if err := thr.Start(ctx); err != nil {
		logger.Fatalf("start throttler: %v", err)
	}

	var lifecycle conc.WaitGroup
	startFeed(ctx, &lifecycle, logger, thr, opts)

	commands := make(chan string)
	go readCommands(commands)

	logger.Print("throttler started; commands: s (stats), j (json stats), q (quit)")
	runCommands(ctx, logger, thr, &handled, commands)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	shutdownStart := time.Now()

	if err := thr.Shutdown(shutdownCtx); err != nil {
		logger.Printf("throttler shutdown: %v", err)
	}
	lifecycle.Wait()

	telemetryCtx, telemetryCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer telemetryCancel()
	if err := telemetryShutdown(telemetryCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}

	printCounters(os.Stdout, &handled)
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Path to throttler configuration file (defaults and THROTTLER_* env when empty)")
	flag.IntVar(&opts.slow, "slow", 10, "Number of slow demo subscribers")
	flag.IntVar(&opts.fast, "fast", 20, "Number of fast demo subscribers")
	flag.IntVar(&opts.printers, "printers", 0, "Number of printer demo subscribers")
	flag.IntVar(&opts.screens, "screens", 0, "Number of screen demo subscribers")
	flag.IntVar(&opts.prices, "prices", 30, "Number of random prices to publish (0 publishes until exit)")
	flag.Float64Var(&opts.rate, "rate", 0, "Prices per second (0 publishes as fast as possible)")
	flag.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	flag.Parse()
	return opts
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newThrottlerLogger() *log.Logger {
	return log.New(os.Stdout, throttlerLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func subscribeDemo(thr *throttler.Throttler, opts options, handled *counters) error {
	groups := []struct {
		count int
		build func() *demo.Worker
	}{
		{opts.slow, func() *demo.Worker { return demo.NewSlow(&handled.slow) }},
		{opts.fast, func() *demo.Worker { return demo.NewFast(&handled.fast) }},
		{opts.printers, func() *demo.Worker { return demo.NewPrinter(&handled.printer) }},
		{opts.screens, func() *demo.Worker { return demo.NewScreen(&handled.screen) }},
	}
	for _, group := range groups {
		for i := 0; i < group.count; i++ {
			if err := thr.Subscribe(group.build()); err != nil {
				return err
			}
		}
	}
	return nil
}

func startFeed(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, thr *throttler.Throttler, opts options) {
	cfg := demo.DefaultFeedConfig()
	cfg.Rate = opts.rate
	cfg.Seed = uint64(time.Now().UnixNano())
	feed, err := demo.NewFeed(cfg)
	if err != nil {
		logger.Fatalf("initialise feed: %v", err)
	}
	lifecycle.Go(func() {
		sent, err := feed.Run(ctx, opts.prices, thr)
		if err != nil && ctx.Err() == nil {
			logger.Printf("price feed stopped: %v", err)
		}
		logger.Printf("price feed published %d prices", sent)
	})
}

func readCommands(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		out <- strings.ToLower(scanner.Text())
	}
}

func runCommands(ctx context.Context, logger *log.Logger, thr *throttler.Throttler, handled *counters, commands <-chan string) {
	for {
		select {
		case <-ctx.Done():
			logger.Print("shutdown signal received, initiating graceful shutdown")
			return
		case cmd, ok := <-commands:
			if !ok {
				// Stdin closed; keep running until signalled.
				commands = nil
				continue
			}
			switch cmd {
			case "s":
				printCounters(os.Stdout, handled)
				if err := thr.PrintStats(os.Stdout); err != nil {
					logger.Printf("print stats: %v", err)
				}
			case "j":
				if err := thr.Stats().WriteJSON(os.Stdout); err != nil {
					logger.Printf("print stats: %v", err)
				}
			case "q":
				logger.Print("quit requested, initiating graceful shutdown")
				return
			default:
				logger.Printf("unknown command %q", cmd)
			}
		}
	}
}

func printCounters(w io.Writer, handled *counters) {
	fmt.Fprintf(w, "Slow counter %d\n", handled.slow.Load())
	fmt.Fprintf(w, "Fast counter %d\n", handled.fast.Load())
	fmt.Fprintf(w, "Printer counter %d\n", handled.printer.Load())
	fmt.Fprintf(w, "Screen counter %d\n", handled.screen.Load())
}
