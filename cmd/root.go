// Package cmd wires up the CLI flags and runs the proxy registry.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"portbridge/config"
	"portbridge/internal/control"
	"portbridge/internal/metrics"
	"portbridge/internal/registry"
	"portbridge/internal/retry"
	"portbridge/internal/serialline"
	"portbridge/internal/transport"
	"portbridge/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X portbridge/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// stdout receives non-log output (version, device lists, dry-run plan).
var stdout io.Writer = os.Stdout //nolint:gochecknoglobals

// flags holds the raw CLI values before they are merged into a Config.
type flags struct {
	proxyIP        string
	tcp            []string
	serial         []string
	configFile     string
	control        string
	reconnectDelay time.Duration
	backoff        float64
	maxDelay       time.Duration
	jitter         bool
	dialTimeout    time.Duration
	verbose        int

	listSerial  bool
	dryRun      bool
	showVersion bool
	showHelp    bool
}

// Execute parses args and runs portbridge until ctx is cancelled.
func Execute(ctx context.Context, args []string) error {
	var f flags
	fs := newFlagSet(&f)

	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(fs.Args()) > 0 {
		return fmt.Errorf("unexpected argument %q (use --help for usage)", fs.Args()[0])
	}

	if f.showHelp || len(args) == 0 {
		printUsage(fs)
		return nil
	}
	if f.showVersion {
		fmt.Fprintf(stdout, "portbridge %s\n", version)
		return nil
	}
	if f.listSerial {
		return listSerial()
	}

	cfg, err := buildConfig(fs, &f)
	if err != nil {
		return err
	}
	if len(cfg.TCP) == 0 && len(cfg.Serial) == 0 && cfg.ControlAddr == "" {
		return fmt.Errorf("nothing to do: give --tcp, --serial or --control")
	}

	if f.dryRun {
		printPlan(cfg)
		return nil
	}

	return run(ctx, cfg, util.NewLogger(cfg.Verbose))
}

func newFlagSet(f *flags) *flag.FlagSet {
	fs := flag.NewFlagSet("portbridge", flag.ContinueOnError)

	// ── proxies ──────────────────────────────────────────────────
	fs.StringVar(&f.proxyIP, "proxy-ip", config.DefaultProxyIP, "Local address proxies bind to")
	fs.StringArrayVar(&f.tcp, "tcp", nil, "TCP proxy [id@]port=host:port (repeatable)")
	fs.StringArrayVar(&f.serial, "serial", nil, "Serial proxy [id@]port=device (repeatable)")
	fs.StringVarP(&f.configFile, "config", "f", "", "YAML config file")

	// ── backend ──────────────────────────────────────────────────
	fs.DurationVar(&f.reconnectDelay, "reconnect-delay", config.DefaultReconnectDelay, "Pause between TCP backend reconnects")
	fs.Float64Var(&f.backoff, "reconnect-backoff", config.DefaultReconnectBackoff, "Multiply the reconnect delay after each failed attempt (1 = fixed)")
	fs.DurationVar(&f.maxDelay, "reconnect-max-delay", 0, "Cap for a growing reconnect delay (0 = no cap)")
	fs.BoolVar(&f.jitter, "reconnect-jitter", false, "Randomise reconnect delays by ±25%")
	fs.DurationVar(&f.dialTimeout, "dial-timeout", config.DefaultDialTimeout, "TCP backend connect timeout")

	// ── control ──────────────────────────────────────────────────
	fs.StringVar(&f.control, "control", "", "Serve the control websocket and metrics on this address")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&f.verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&f.listSerial, "list-serial", false, "List serial devices and exit")
	fs.BoolVar(&f.dryRun, "dry-run", false, "Validate configuration and print the plan")
	fs.BoolVar(&f.showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&f.showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }
	return fs
}

// buildConfig merges defaults, the config file, the environment and
// the flags that were set explicitly, in that order.
func buildConfig(fs *flag.FlagSet, f *flags) (*config.Config, error) {
	cfg := config.Default()

	if f.configFile != "" {
		if err := config.LoadFile(f.configFile, cfg); err != nil {
			return nil, err
		}
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	if fs.Changed("proxy-ip") {
		cfg.ProxyIP = f.proxyIP
	}
	if fs.Changed("control") {
		cfg.ControlAddr = f.control
	}
	if fs.Changed("reconnect-delay") {
		cfg.ReconnectDelay = f.reconnectDelay
	}
	if fs.Changed("reconnect-backoff") {
		cfg.ReconnectBackoff = f.backoff
	}
	if fs.Changed("reconnect-max-delay") {
		cfg.ReconnectMaxDelay = f.maxDelay
	}
	if fs.Changed("reconnect-jitter") {
		cfg.ReconnectJitter = f.jitter
	}
	if fs.Changed("dial-timeout") {
		cfg.DialTimeout = f.dialTimeout
	}
	if fs.Changed("verbose") {
		cfg.Verbose = f.verbose + 1
	}

	for _, spec := range f.tcp {
		p, err := config.ParseTCPSpec(spec)
		if err != nil {
			return nil, fmt.Errorf("--tcp: %w", err)
		}
		cfg.TCP = append(cfg.TCP, p)
	}
	for _, spec := range f.serial {
		p, err := config.ParseSerialSpec(spec)
		if err != nil {
			return nil, fmt.Errorf("--serial: %w", err)
		}
		cfg.Serial = append(cfg.Serial, p)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.AssignIDs(uuid.NewString)
	return cfg, nil
}

// ── run ──────────────────────────────────────────────────────────────

func run(ctx context.Context, cfg *config.Config, logger *util.Logger) error {
	m := metrics.New()

	var notifier registry.Notifier = registry.LogNotifier{Logger: logger.Named("events")}
	var hub *control.Hub
	if cfg.ControlAddr != "" {
		hub = control.NewHub(logger.Named("control"), config.DefaultNotifyQueue)
		notifier = registry.Tee{notifier, hub}
	}

	reg := registry.New(registry.Options{
		Logger:         logger,
		Metrics:        m,
		Notifier:       notifier,
		Opener:         serialline.OpenDevice,
		Dialer:         &transport.TCPDialer{Timeout: cfg.DialTimeout},
		ReconnectDelay: cfg.ReconnectDelay,
		Retry:          retryPolicy(cfg),
	})
	defer reg.Shutdown()

	for _, p := range cfg.TCP {
		req := registry.TCPRequest{ProxyIP: cfg.ProxyIP, Port: p.Port, Endpoint: p.Endpoint}
		if err := reg.OpenTCP(p.ID, req); err != nil {
			return err
		}
	}
	for _, p := range cfg.Serial {
		req := registry.SerialRequest{ProxyIP: cfg.ProxyIP, Port: p.Port, Device: p.Device}
		if err := reg.OpenSerial(p.ID, req); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if hub != nil {
		log := logger.Named("control")
		disp := control.NewDispatcher(reg, log, cfg.ProxyIP)
		srv := control.NewServer(disp, hub, m, log)
		if err := srv.Listen(cfg.ControlAddr); err != nil {
			return err
		}

		g.Go(func() error { return disp.Run(gctx) })
		g.Go(srv.Serve)
		g.Go(func() error {
			<-gctx.Done()
			hub.Close()
			sctx, cancel := context.WithTimeout(context.Background(), config.DefaultGracePeriod)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err := g.Wait()
	logger.Info("shutting down %d proxies", reg.Len())
	return err
}

// ── helpers ──────────────────────────────────────────────────────────

// retryPolicy turns the reconnect settings into a backoff policy.  The
// defaults give a fixed delay.
func retryPolicy(cfg *config.Config) *retry.Policy {
	p := retry.Fixed(cfg.ReconnectDelay)
	if cfg.ReconnectBackoff > 1 {
		p.Multiplier = cfg.ReconnectBackoff
	}
	p.MaxDelay = cfg.ReconnectMaxDelay
	p.Jitter = cfg.ReconnectJitter
	return p
}

func listSerial() error {
	devices, err := serialline.Devices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Fprintln(stdout, "no serial devices found")
		return nil
	}
	for _, d := range devices {
		fmt.Fprintln(stdout, d)
	}
	return nil
}

func printPlan(cfg *config.Config) {
	for _, p := range cfg.TCP {
		fmt.Fprintf(stdout, "tcp     %-36s %s -> %s\n", p.ID, util.FormatAddr(cfg.ProxyIP, p.Port), p.Endpoint)
	}
	for _, p := range cfg.Serial {
		fmt.Fprintf(stdout, "serial  %-36s %s -> %s\n", p.ID, util.FormatAddr(cfg.ProxyIP, p.Port), p.Device)
	}
	if cfg.ControlAddr != "" {
		fmt.Fprintf(stdout, "control %s\n", cfg.ControlAddr)
	}
	p := retryPolicy(cfg)
	fmt.Fprintf(stdout, "retry   first %v, then %v, %v\n", p.Delay(1), p.Delay(2), p.Delay(3))
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `portbridge – TCP and serial port proxy v%s

Bridges local TCP listeners to remote TCP endpoints or serial lines.

Usage:
  portbridge --tcp [id@]port=host:port [--tcp ...]
  portbridge --serial [id@]port=device [--serial ...]
  portbridge --control 127.0.0.1:8765

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Environment:
  PORTBRIDGE_PROXY_IP, PORTBRIDGE_CONTROL, PORTBRIDGE_TCP, PORTBRIDGE_SERIAL,
  PORTBRIDGE_RECONNECT_DELAY, PORTBRIDGE_RECONNECT_BACKOFF,
  PORTBRIDGE_RECONNECT_MAX_DELAY, PORTBRIDGE_RECONNECT_JITTER,
  PORTBRIDGE_DIAL_TIMEOUT, PORTBRIDGE_VERBOSE

Examples:
  portbridge --tcp plc@9000=10.0.0.5:502          Expose a PLC on localhost:9000
  portbridge --serial 9100=/dev/ttyUSB0           Expose a serial scale
  portbridge --proxy-ip 0.0.0.0 -f bridges.yaml   Proxies from a config file
  portbridge --control 127.0.0.1:8765 -v          Driven by a control client
`)
}
