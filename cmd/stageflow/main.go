// Command stageflow runs a YAML-defined workflow over lines read from stdin.
//
//	stageflow -f words.yaml [-in raw] [-out done] [-metrics-addr :9090]
//
// Each stdin line becomes one item on the input queue, which is closed at
// EOF. Items reaching the output queue are printed to stdout, one per line,
// and a per-stage summary is written to stderr when the workflow is done.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnykmshr/stageflow/pkg/config"
	"github.com/vnykmshr/stageflow/pkg/definition"
	"github.com/vnykmshr/stageflow/pkg/logging"
	"github.com/vnykmshr/stageflow/pkg/metrics"
	"github.com/vnykmshr/stageflow/pkg/queue"
	"github.com/vnykmshr/stageflow/pkg/throttle"
	"github.com/vnykmshr/stageflow/pkg/throttle/distributed"
	"github.com/vnykmshr/stageflow/pkg/workflow"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "stageflow:", err)
		os.Exit(1)
	}
}

type options struct {
	file        string
	in          string
	out         string
	metricsAddr string
	logLevel    string
	stopTimeout time.Duration
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("stageflow", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.file, "f", "", "workflow definition file (required)")
	fs.StringVar(&opts.in, "in", "", "queue fed from stdin (default: first stage's input)")
	fs.StringVar(&opts.out, "out", "", "queue printed to stdout (default: last stage's output)")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.StringVar(&opts.logLevel, "log-level", "", "override STAGEFLOW_LOG_LEVEL")
	fs.DurationVar(&opts.stopTimeout, "stop-timeout", 5*time.Second, "grace period before stages are killed on interrupt")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.file == "" {
		return opts, errors.New("-f is required")
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.metricsAddr == "" {
		opts.metricsAddr = cfg.Metrics.Addr
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	def, err := definition.ParseFile(opts.file)
	if err != nil {
		return err
	}
	if opts.in == "" {
		opts.in = def.Stages[0].In
	}
	if opts.out == "" {
		opts.out = def.Stages[len(def.Stages)-1].Out
	}

	var mreg *metrics.Registry
	if opts.metricsAddr != "" || cfg.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		mreg = metrics.New(metrics.Config{Enabled: true, Registry: promReg, Namespace: cfg.Metrics.Namespace})
		if opts.metricsAddr != "" {
			srv := serveMetrics(opts.metricsAddr, promReg, logger)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}
	}

	throttles := newThrottleFactory(cfg, mreg, logger)
	defer throttles.close()

	w, err := definition.Builder{NewThrottle: throttles.build}.Build(def,
		workflow.WithLogger(logger),
		workflow.WithMetrics(mreg),
		workflow.WithQueueCapacity(cfg.Engine.QueueCapacity),
		workflow.WithQueuePollInterval(cfg.Engine.QueuePollInterval),
		workflow.WithReplicaPollInterval(cfg.Engine.ReplicaPollInterval),
		workflow.WithErrorRingSize(cfg.Engine.ErrorRingSize),
	)
	if err != nil {
		return err
	}

	if err := w.Start(ctx); err != nil {
		return err
	}

	go feedLines(ctx, stdin, w.Queue(opts.in), logger)

	waitErr := make(chan error, 1)
	go func() { waitErr <- w.Wait(ctx) }()

	err = drain(w.Queue(opts.out), stdout, waitErr, cfg.Engine.ReplicaPollInterval)
	if err != nil && ctx.Err() != nil {
		logger.Warn("interrupted, stopping workflow", zap.Duration("grace", opts.stopTimeout))
		stopCtx, cancel := context.WithTimeout(context.Background(), opts.stopTimeout)
		defer cancel()
		if stopErr := w.StopContext(stopCtx); stopErr != nil {
			logger.Warn("stages killed", zap.Error(stopErr))
		}
	}

	printSummary(stderr, w.Snapshot())
	return err
}

// feedLines enqueues each line of r on q and closes q at EOF.
func feedLines(ctx context.Context, r io.Reader, q *queue.Queue, logger *logging.Logger) {
	defer q.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ok, err := q.EnqueueContext(ctx, scanner.Text()); err != nil || !ok {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("reading input", zap.Error(err))
	}
}

// drain prints items from q until waitErr delivers, then prints what is left.
func drain(q *queue.Queue, out io.Writer, waitErr <-chan error, poll time.Duration) error {
	bw := bufio.NewWriter(out)
	defer bw.Flush()

	flush := func() {
		for {
			item, ok := q.Dequeue()
			if !ok {
				return
			}
			fmt.Fprintln(bw, item)
		}
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		flush()
		select {
		case err := <-waitErr:
			flush()
			return err
		case <-ticker.C:
		}
	}
}

func printSummary(out io.Writer, snap workflow.Snapshot) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "STAGE\tSTATE\tREPLICAS\tIN\tDONE\tOUT\tERRORS\n")
	for _, s := range snap.Stages {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			s.Name, s.State, s.Replicas, s.CountInput, s.CountInputCompleted, s.CountOutput, s.ErrorCount)
	}
	_ = tw.Flush()

	for _, s := range snap.Stages {
		for _, e := range s.Errors {
			fmt.Fprintf(out, "error: %v\n", e)
		}
		if s.StartErr != nil {
			fmt.Fprintf(out, "start: %s: %v\n", s.Name, s.StartErr)
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("metrics server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

// throttleFactory builds local throttles, or Redis-backed ones for keyed
// definitions when a Redis address is configured.
type throttleFactory struct {
	cfg     *config.Config
	metrics *metrics.Registry
	logger  *logging.Logger
	client  redis.UniversalClient
	shared  []*distributed.Throttle
}

func newThrottleFactory(cfg *config.Config, mreg *metrics.Registry, logger *logging.Logger) *throttleFactory {
	f := &throttleFactory{cfg: cfg, metrics: mreg, logger: logger}
	if cfg.Redis.Addr != "" {
		f.client = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	return f
}

func (f *throttleFactory) build(stage string, def definition.ThrottleDef) (throttle.Slotter, error) {
	if def.Key == "" || f.client == nil {
		if def.Key != "" {
			f.logger.Warn("no redis configured, shared throttle runs locally",
				zap.String("stage", stage), zap.String("key", def.Key))
		}
		opts := []throttle.Option{throttle.WithPollInterval(f.cfg.Engine.ThrottlePollInterval)}
		if f.metrics != nil {
			opts = append(opts, throttle.WithMetrics(f.metrics, stage))
		}
		return throttle.New(def.Limit, def.Interval, opts...)
	}

	dcfg := distributed.DefaultConfig()
	dcfg.Redis = f.client
	dcfg.Key = def.Key
	dcfg.Limit = def.Limit
	dcfg.Interval = def.Interval
	dcfg.PollInterval = f.cfg.Engine.ThrottlePollInterval
	t, err := distributed.New(dcfg)
	if err != nil {
		return nil, err
	}
	f.shared = append(f.shared, t)
	return t, nil
}

func (f *throttleFactory) close() {
	for _, t := range f.shared {
		if err := t.Close(); err != nil {
			f.logger.Warn("releasing shared throttle", zap.Error(err))
		}
	}
	if f.client != nil {
		_ = f.client.Close()
	}
}
