// Command eqbcs runs one or more EQBCS chat relay instances on consecutive
// ports.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"

	"github.com/rbraunm/eqbcs/pkg/health"
	"github.com/rbraunm/eqbcs/pkg/server"
)

// version is overridable at link time:
//
//	go build -ldflags "-X main.version=1.1.0"
var version = "dev"

const defaultConfigPath = "~/.eqbcs/config.toml"

// options holds the command line; flags left unset do not override the
// config file.
type options struct {
	configPath  string
	port        int
	bind        string
	logFile     string
	debug       bool
	password    string
	servers     int
	healthcheck bool
	showVersion bool
	showHelp    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		var unhealthy *health.UnhealthyError
		if errors.As(err, &unhealthy) {
			log.Printf("%v", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "eqbcs: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	var opts options
	fs := flag.NewFlagSet("eqbcs", flag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "Config file (created with defaults if missing)")
	fs.IntVarP(&opts.port, "port", "p", 0, "Port of the first instance")
	fs.StringVarP(&opts.bind, "bind", "i", "", "Address to bind")
	fs.StringVarP(&opts.logFile, "logfile", "l", "", "Also write the log to this file")
	fs.BoolVarP(&opts.debug, "debug", "v", false, "Debug logging")
	fs.StringVarP(&opts.password, "password", "s", "", "Password when no master or instance password is configured")
	fs.IntVarP(&opts.servers, "servers", "n", 0, "Number of instances on consecutive ports")
	fs.BoolVar(&opts.healthcheck, "healthcheck", false, "Probe every configured port and exit")
	fs.BoolVar(&opts.showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&opts.showHelp, "help", "h", false, "Show this help")
	fs.Usage = func() { printUsage(fs) }

	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.showHelp {
		printUsage(fs)
		return nil
	}
	if opts.showVersion {
		fmt.Printf("eqbcs %s\n", version)
		return nil
	}

	cfg, err := server.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	applyFlags(&cfg, fs, opts, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return err
	}

	if opts.healthcheck {
		return healthcheck(ctx, &cfg)
	}

	level, _ := server.ParseLogLevel(cfg.Logging.Level)
	logCloser, err := server.SetupLogging(level, cfg.Logging.File)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	return serve(ctx, &cfg, opts.password)
}

// applyFlags overrides config values with the flags given explicitly.
// Logging set through the environment wins over -l and -v, so a container
// definition can change verbosity without touching the command line.
func applyFlags(cfg *server.TOMLConfig, fs *flag.FlagSet, opts options, lookup func(string) (string, bool)) {
	if fs.Changed("port") {
		cfg.Server.Port = opts.port
	}
	if fs.Changed("bind") {
		cfg.Server.Bind = opts.bind
	}
	if fs.Changed("servers") {
		cfg.Server.Servers = opts.servers
	}

	if fs.Changed("logfile") {
		if val, ok := lookup("EQBCS_LOGGING_FILE"); !ok || val == "" {
			cfg.Logging.File = opts.logFile
		}
	}
	if opts.debug {
		val, _ := lookup("EQBCS_LOGGING_LEVEL")
		if _, ok := server.ParseLogLevel(val); !ok {
			cfg.Logging.Level = server.LevelDebug.String()
		}
	}
}

func healthcheck(ctx context.Context, cfg *server.TOMLConfig) error {
	if err := health.NewProber("127.0.0.1").Run(ctx, cfg.Ports()); err != nil {
		return err
	}
	fmt.Println("Healthy")
	return nil
}

// serve starts every instance and the monitor endpoint, then blocks until
// ctx is cancelled.
func serve(ctx context.Context, cfg *server.TOMLConfig, cliPassword string) error {
	metrics := server.NewMetrics(prometheus.DefaultRegisterer)
	resolver := cfg.PasswordResolver(cliPassword)

	var servers []*server.Server
	stopAll := func() {
		for _, srv := range servers {
			srv.Stop()
		}
	}

	for _, port := range cfg.Ports() {
		sc := cfg.ToServerConfig(port)
		password, err := resolver.Resolve(sc.Instance)
		if err != nil {
			stopAll()
			return fmt.Errorf("resolve password: %w", err)
		}
		sc.Password = password

		srv := server.NewServer(sc, metrics)
		if err := srv.Start(); err != nil {
			stopAll()
			return err
		}
		servers = append(servers, srv)
	}
	log.Printf("EQBCS %s running %d instance(s)", version, len(servers))

	var monitor *http.Server
	if cfg.Metrics.Addr != "" {
		monitor = server.NewMonitorServer(cfg.Metrics.Addr, prometheus.DefaultGatherer, servers)
		go func() {
			log.Printf("Metrics and health on http://%s", cfg.Metrics.Addr)
			if err := monitor.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Printf("Shutdown signal received")

	if monitor != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		monitor.Shutdown(shutdownCtx)
		cancel()
	}
	stopAll()
	return nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `EQBCS relay server %s

Usage:
  eqbcs [options]

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  eqbcs                                  One instance on 0.0.0.0:2112
  eqbcs -n 4 -p 22112                    Four instances on 22112-22115
  eqbcs -s raidnight -v                  Require a password, debug logging
  eqbcs --healthcheck -n 4 -p 22112      Exit 0 when every port is listening
`)
}
