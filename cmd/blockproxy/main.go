package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/always-cache/blockproxy"
	"github.com/always-cache/blockproxy/admin"
	"github.com/always-cache/blockproxy/journal"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	portFlag           int
	adminFlag          string
	journalFlag        string
	configFlag         string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.IntVar(&portFlag, "port", 15213, "Port to listen on")
	flag.StringVar(&adminFlag, "admin", "", "Address for the admin API, e.g. 127.0.0.1:9090 (disabled if empty)")
	flag.StringVar(&journalFlag, "journal", "", "Transaction journal DB file name (use 'memory' for in-memory db, disabled if empty)")
	flag.StringVar(&configFlag, "config", "", "YAML config file (flags override its values)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	config := blockproxy.FileConfig{Port: portFlag}
	if configFlag != "" {
		fileConfig, err := blockproxy.ReadConfigFile(configFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Cannot read config file: %v\n", err)
			os.Exit(2)
		}
		config = fileConfig
		if config.Port == 0 {
			config.Port = portFlag
		}
	}
	// explicitly set flags win over the config file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			config.Port = portFlag
		case "admin":
			config.Admin = adminFlag
		case "journal":
			config.Journal = journalFlag
		case "log-file":
			config.LogFile = logFilenameFlag
		}
	})

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if config.LogFile != "" {
		if logFileOutput, err := os.OpenFile(config.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	proxyConfig := blockproxy.Config{
		Logger:        &log.Logger,
		ClientTimeout: config.ClientTimeout,
		DialTimeout:   config.DialTimeout,
		OriginTimeout: config.OriginTimeout,
	}
	if config.Journal != "" {
		j, err := journal.Open(config.Journal)
		if err != nil {
			log.Fatal().Err(err).Str("journal", config.Journal).Msg("Cannot open journal")
		}
		defer j.Close()
		proxyConfig.Journal = j
	}

	proxy, err := blockproxy.CreateProxy(proxyConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot create proxy")
	}
	defer proxy.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if config.Admin != "" {
		server := &http.Server{
			Addr: config.Admin,
			Handler: admin.NewRouter(admin.Config{
				Proxy:   proxy,
				Journal: proxyConfig.Journal,
				Logger:  &log.Logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("addr", config.Admin).Msg("Admin API listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Admin API failed")
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", config.Port))
	if err != nil {
		log.Fatal().Err(err).Int("port", config.Port).Msg("Cannot listen")
	}
	if err := proxy.Serve(ctx, ln); err != nil {
		log.Error().Err(err).Msg("Proxy failed")
		proxy.Close()
		if proxyConfig.Journal != nil {
			proxyConfig.Journal.Close()
		}
		os.Exit(1)
	}
}
