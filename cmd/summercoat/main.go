// SummerCoat: native CPU runner for SquirrelJME
//
// This is the main entry point for the SummerCoat VM. It maps a set of class
// libraries into memory, enters a frame at the configured address and runs
// one or more native CPUs until they return or fault.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/lvyitian/SquirrelJME/pkg/config"
	"github.com/lvyitian/SquirrelJME/pkg/cpu"
	"github.com/lvyitian/SquirrelJME/pkg/debuginfo"
	"github.com/lvyitian/SquirrelJME/pkg/isa"
	"github.com/lvyitian/SquirrelJME/pkg/machine"
	"github.com/lvyitian/SquirrelJME/pkg/memory"
	"github.com/lvyitian/SquirrelJME/pkg/metrics"
	"github.com/lvyitian/SquirrelJME/pkg/suite"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "dev"
	BuildTime = "unknown"
)

// Configuration flags
var (
	configFile    = flag.String("config", "summercoat.toml", "Path to TOML configuration file")
	suitesDir     = flag.String("suites-dir", "", "Directory of library files")
	storePath     = flag.String("store", "", "Library store directory (overrides -suites-dir)")
	entry         = flag.Uint("entry", 0, "Entry address (0 = first library)")
	args          = flag.String("args", "", "Comma separated int arguments for the entry frame")
	processors    = flag.Int("processors", 0, "Number of CPUs to run")
	timeout       = flag.Duration("timeout", 0, "Stop after this long (0 = no limit)")
	trace         = flag.Bool("trace", false, "Print every instruction executed")
	color         = flag.String("color", "", "Trace colour: auto, always, never")
	verbosity     = flag.Int("verbosity", -1, "Log verbosity (0 = errors only)")
	enableMetrics = flag.Bool("enable-metrics", false, "Enable Prometheus metrics server")
	metricsAddr   = flag.String("metrics-addr", "", "Metrics server listen address")
	importDir     = flag.String("import", "", "Import the libraries of this directory into -store and exit")
	listLibraries = flag.Bool("list", false, "List the libraries and exit")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

var log = commonlog.GetLogger("summercoat")

// applyConfigWithCLIOverrides lets explicitly set flags override values
// from the configuration file.
func applyConfigWithCLIOverrides(cfg *config.Config) error {
	flagSet := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		flagSet[f.Name] = true
	})

	if flagSet["suites-dir"] {
		cfg.Suites.Dir = *suitesDir
	}
	if flagSet["store"] {
		cfg.Suites.Store = *storePath
	}
	if flagSet["entry"] {
		cfg.Run.Entry = uint32(*entry)
	}
	if flagSet["args"] {
		parsed, err := parseArgs(*args)
		if err != nil {
			return err
		}
		cfg.Run.Args = parsed
	}
	if flagSet["processors"] {
		cfg.CPU.Processors = *processors
	}
	if flagSet["timeout"] {
		cfg.Run.Timeout = timeout.String()
	}
	if flagSet["trace"] {
		cfg.Run.Trace = *trace
	}
	if flagSet["color"] {
		cfg.Logging.Color = *color
	}
	if flagSet["verbosity"] {
		cfg.Logging.Verbosity = *verbosity
	}
	if flagSet["enable-metrics"] {
		cfg.Metrics.Enabled = *enableMetrics
	}
	if flagSet["metrics-addr"] {
		cfg.Metrics.Addr = *metricsAddr
	}
	return nil
}

// parseArgs parses "1,-2,0x30" into frame arguments.
func parseArgs(s string) ([]int32, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	fields := strings.Split(s, ",")
	out := make([]int32, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseInt(strings.TrimSpace(f), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid argument %q: %w", f, err)
		}
		out[i] = int32(v)
	}
	return out, nil
}

// useColor decides whether the step printer writes ANSI colours.
func useColor(mode string) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	default:
		return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	}
}

// openManager returns the configured library source and a close function.
func openManager(cfg *config.Config) (suite.Manager, func() error, error) {
	if cfg.Suites.Store != "" {
		if err := os.MkdirAll(cfg.Suites.Store, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		bm, err := suite.NewBadgerManager(cfg.Suites.Store)
		if err != nil {
			return nil, nil, err
		}
		log.Infof("Opened library store at %s", cfg.Suites.Store)
		return bm, bm.Close, nil
	}

	log.Infof("Using library directory %s", cfg.Suites.Dir)
	return suite.NewDirManager(cfg.Suites.Dir), func() error { return nil }, nil
}

func fatalf(format string, v ...any) {
	log.Errorf(format, v...)
	fmt.Fprintf(os.Stderr, format+"\n", v...)
	os.Exit(1)
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("SummerCoat %s (%s)\n", Version, GitCommit)
		fmt.Printf("Build time: %s\n", BuildTime)
		os.Exit(0)
	}

	// Load configuration from file
	cfg, err := config.Load(*configFile)
	if err != nil {
		fatalf("Failed to load configuration: %v", err)
	}

	// Apply config values, allowing CLI flags to override
	if err := applyConfigWithCLIOverrides(cfg); err != nil {
		fatalf("Invalid flags: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		fatalf("%v", err)
	}

	commonlog.Configure(cfg.Logging.Verbosity, nil)
	log.Noticef("Starting SummerCoat %s", Version)

	if *importDir != "" {
		runImport(cfg)
		return
	}

	mgr, closeManager, err := openManager(cfg)
	if err != nil {
		fatalf("Failed to open libraries: %v", err)
	}

	if *listLibraries {
		runList(mgr)
		closeManager()
		return
	}

	code := run(cfg, mgr)
	if err := closeManager(); err != nil {
		log.Warningf("Failed to close libraries: %v", err)
	}
	os.Exit(code)
}

// runImport copies -import into the library store.
func runImport(cfg *config.Config) {
	if cfg.Suites.Store == "" {
		fatalf("-import requires -store")
	}

	mgr, closeManager, err := openManager(cfg)
	if err != nil {
		fatalf("Failed to open library store: %v", err)
	}
	defer closeManager()

	entries, err := suite.Import(mgr.(*suite.BadgerManager), suite.NewDirManager(*importDir))
	if err != nil {
		fatalf("Import failed after %d libraries: %v", len(entries), err)
	}
	for _, e := range entries {
		fmt.Printf("%-40s %10d %s\n", e.Name, e.Size, e.DigestString())
	}
	log.Infof("Imported %d libraries from %s", len(entries), *importDir)
}

// runList prints the available libraries.
func runList(mgr suite.Manager) {
	names, err := mgr.ListLibraryNames()
	if err != nil {
		fatalf("Failed to list libraries: %v", err)
	}

	bm, isStore := mgr.(*suite.BadgerManager)
	for _, name := range names {
		if !isStore {
			fmt.Println(name)
			continue
		}
		e, err := bm.Entry(name)
		if err != nil {
			fatalf("Failed to read %s: %v", name, err)
		}
		fmt.Printf("%-40s %10d %s\n", e.Name, e.Size, e.DigestString())
	}
}

// run maps the libraries and runs the processors. It returns the process
// exit code.
func run(cfg *config.Config, mgr suite.Manager) int {
	// Create context with cancellation on shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if d, _ := cfg.Run.TimeoutDuration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	// Map libraries, then RAM directly after the suites window
	mem, err := suite.NewMemory(cfg.Suites.Base, mgr)
	if err != nil {
		log.Errorf("Failed to map libraries: %v", err)
		return 1
	}
	mapped := mem.MappedBytes()
	if cfg.Run.RAMSize > 0 {
		if mem.End()+uint64(cfg.Run.RAMSize) > 1<<32 {
			log.Errorf("RAM of %d bytes does not fit after 0x%08x", cfg.Run.RAMSize, mem.End())
			return 1
		}
		ram := memory.NewRegion("ram", uint32(mem.End()), cfg.Run.RAMSize, memory.PermRead|memory.PermWrite)
		if err := mem.Add(ram); err != nil {
			log.Errorf("Failed to map RAM: %v", err)
			return 1
		}
		mapped += ram.RegionSize()
		log.Infof("Mapped RAM at 0x%08x (%d bytes)", ram.RegionOffset(), cfg.Run.RAMSize)
	}

	m := metrics.NewMetrics()
	m.MappedBytes.SetUint64(mapped)

	// Start metrics server if enabled
	if cfg.Metrics.Enabled {
		shutdown, err := startMetrics(cfg, m, mgr)
		if err != nil {
			log.Errorf("Failed to start metrics server: %v", err)
			return 1
		}
		defer shutdown()
	}

	opts := cfg.CPUOptions()
	opts.Metrics = m
	opts.Debug = debuginfo.NewCache(mem, cfg.CPU.DebugCacheSize)

	mach := machine.New(mem, opts)
	color := useColor(cfg.Logging.Color)
	entryPC := cfg.EntryAddress()

	roots := make([]*cpu.Frame, cfg.CPU.Processors)
	for i := range roots {
		c := mach.AddProcessor(entryPC, cfg.Run.Args...)
		roots[i] = c.Top()
		if cfg.Run.Trace {
			c.SetObserver(cpu.NewDebugPrinter(os.Stdout, color))
		}
	}

	log.Infof("Running %d processor(s) from 0x%08x", len(roots), entryPC)
	start := time.Now()
	err = mach.Run(ctx)
	elapsed := time.Since(start)

	st := mach.Stats()
	log.Infof("Executed %d instructions (%d invokes, %d cache refills) in %s",
		st.Steps, st.Invokes, st.CacheRefills, elapsed.Round(time.Millisecond))

	if err != nil {
		var pe *machine.ProcessorError
		if errors.As(err, &pe) {
			fmt.Fprintf(os.Stderr, "processor %d: %v\n", pe.Processor, pe.Err)
			for _, e := range pe.Trace {
				fmt.Fprintf(os.Stderr, "    at %s\n", e)
			}
		} else {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		if cpu.IsTrap(err) {
			return 2
		}
		return 1
	}

	for i, f := range roots {
		fmt.Printf("processor %d returned %d\n", i, f.Registers[isa.ReturnRegister])
	}
	return 0
}

// startMetrics starts the metrics server, collectors and health checks and
// returns a function stopping them.
func startMetrics(cfg *config.Config, m *metrics.Metrics, mgr suite.Manager) (func(), error) {
	interval, _ := cfg.Metrics.Interval()

	health := metrics.NewHealthChecker(m)
	if p, ok := mgr.(metrics.Pinger); ok {
		health.RegisterStoreCheck(p)
	}

	collectors := metrics.NewCollectorManager()
	rc := metrics.NewRuntimeCollector(m, interval)
	m.Register(rc.AdditionalMetrics()...)
	collectors.Add(rc)

	var provider metrics.StoreStatsProvider
	if p, ok := mgr.(metrics.StoreStatsProvider); ok {
		provider = p
	}
	path := cfg.Suites.Store
	if path == "" {
		path = cfg.Suites.Dir
	}
	collectors.Add(metrics.NewStoreCollector(m, provider, path, interval))

	server := metrics.NewServer(
		metrics.WithAddr(cfg.Metrics.Addr),
		metrics.WithMetrics(m),
		metrics.WithHealthChecker(health),
	)
	if err := server.Start(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	collectors.Start()
	health.Start(ctx)
	health.SetReady(true)

	return func() {
		health.SetReady(false)
		health.Stop()
		cancel()
		collectors.Stop()

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := server.Stop(stopCtx); err != nil {
			log.Warningf("Metrics server shutdown: %v", err)
		}
	}, nil
}
