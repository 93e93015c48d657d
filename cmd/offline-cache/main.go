package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/admin"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/notify"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFlag         string
	portFlag           int
	originFlag         string
	addrFlag           string
	hostFlag           string
	dbFilenameFlag     string
	appFlag            string
	cacheVersionFlag   string
	timeoutFlag        time.Duration
	verbosityTraceFlag bool
	logFilenameFlag    string
	logNotifyFlag      bool

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "YAML config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides addr and host)")
	flag.StringVar(&addrFlag, "addr", "", "Origin IP address to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory db, default cache.db)")
	flag.StringVar(&appFlag, "app", "", "Application name, used in cache store names")
	flag.StringVar(&cacheVersionFlag, "cache-version", "", "Version of the cached assets")
	flag.DurationVar(&timeoutFlag, "timeout", 30*time.Second, "Network timeout (0 for none)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
	flag.BoolVar(&logNotifyFlag, "log-notifications", false, "Only log notifications instead of listing them under /-/notifications")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	var config Config
	if configFlag != "" {
		var err error
		if config, err = getConfig(configFlag); err != nil {
			log.Fatal().Err(err).Str("file", configFlag).Msg("Could not read config")
		}
	}
	config = withFlags(config, flag.CommandLine)

	if config.App == "" || config.Version == "" {
		log.Fatal().Msg("Please specify app and cache version")
	}

	originURL, err := getOriginURL(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin")
	}

	// set up sqlite memory provider
	dbFilename := config.DB
	if dbFilename == "" {
		dbFilename = "cache.db"
	}
	if dbFilename == "memory" {
		dbFilename = "file::memory:?cache=shared"
	}
	storage, err := cache.NewSQLiteStorage(dbFilename)
	if err != nil {
		log.Fatal().Err(err).Str("db", dbFilename).Msg("Could not open cache storage")
	}
	defer storage.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := offlinecache.NewMetrics(registry)
	center := notify.NewCenter(log.Logger)
	notifier := getNotifier(center, logNotifyFlag, log.Logger)
	_ = notifier

	passthrough := offlinecache.NewPassthrough(*originURL, config.Host, nil)
	reg := offlinecache.NewRegistration(passthrough, log.Logger)

	register := func(ctx context.Context) error {
		worker, err := offlinecache.CreateWorker(offlinecache.Config{
			Storage:        storage,
			AppName:        config.App,
			Version:        config.Version,
			OriginURL:      *originURL,
			OriginHost:     config.Host,
			Manifest:       config.Manifest,
			NetworkTimeout: *config.NetworkTimeout,
			Rules:          config.Rules,
			Notification:   config.Notification,
			Notifier:       center,
			Clients:        center,
			Metrics:        metrics,
			Logger:         &log.Logger,
		})
		if err != nil {
			return err
		}
		return reg.Register(ctx, worker)
	}

	// without an active worker requests still reach the origin
	if err := register(context.Background()); err != nil {
		log.Error().Err(err).Msg("Could not register worker, passing requests through")
	}

	router := admin.NewRouter(admin.Options{
		Registration: reg,
		Center:       center,
		Register:     func(r *http.Request) error { return register(r.Context()) },
		Gatherer:     registry,
		Logger:       log.Logger,
	})

	log.Info().Msgf("Serving %s-v%s on port %v from %s (with hostname '%s')", config.App, config.Version, portFlag, originURL.String(), config.Host)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", portFlag), router); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

// withFlags overrides config values with the flags set on the command line.
func withFlags(config Config, flags *flag.FlagSet) Config {
	set := make(map[string]bool)
	flags.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	if set["app"] {
		config.App = appFlag
	}
	if set["cache-version"] {
		config.Version = cacheVersionFlag
	}
	if set["origin"] {
		config.Origin = originFlag
	}
	if set["addr"] && !set["origin"] {
		config.Origin = "https://" + addrFlag
	}
	if set["host"] {
		config.Host = hostFlag
	}
	if set["db"] {
		config.DB = dbFilenameFlag
	}
	// a timeout of 0 in the config file disables it, so only fill in missing ones
	if set["timeout"] || config.NetworkTimeout == nil {
		timeout := timeoutFlag
		config.NetworkTimeout = &timeout
	}
	return config
}

// getNotifier picks where worker notifications go.
// Window navigations are always recorded by the center.
func getNotifier(center *notify.Center, logOnly bool, logger zerolog.Logger) notify.Notifier {
	if logOnly {
		return notify.LogNotifier{Log: logger}
	}
	return center
}

func getOriginURL(config Config) (*url.URL, error) {
	if config.Origin == "" {
		return nil, fmt.Errorf("no origin specified")
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		return nil, err
	}
	if originURL.Scheme == "" || originURL.Host == "" {
		return nil, fmt.Errorf("origin %q is not an absolute URL", config.Origin)
	}
	if originURL.Path == "/" {
		originURL.Path = ""
	}
	if originURL.Path != "" || originURL.RawQuery != "" || originURL.Fragment != "" {
		return nil, fmt.Errorf("origin %q must not have a path, query or fragment", config.Origin)
	}
	return originURL, nil
}
