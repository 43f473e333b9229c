// Command pubplat-scraper is the batch scraping CLI: session
// import/export via the portable credential string, interactive login,
// batch scrapes, and post-hoc content search over saved results.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/pubplat/scraper/internal/bootstrap"
	"github.com/pubplat/scraper/internal/client"
	"github.com/pubplat/scraper/internal/codec"
	"github.com/pubplat/scraper/internal/common/config"
	"github.com/pubplat/scraper/internal/common/configtypes"
	"github.com/pubplat/scraper/internal/common/logger"
	"github.com/pubplat/scraper/internal/common/requestid"
	"github.com/pubplat/scraper/internal/events"
	"github.com/pubplat/scraper/internal/metrics"
	"github.com/pubplat/scraper/internal/parser"
	"github.com/pubplat/scraper/internal/scraper"
	"github.com/pubplat/scraper/internal/search"
	"github.com/pubplat/scraper/internal/session"
	"github.com/pubplat/scraper/internal/sink"
	"github.com/pubplat/scraper/pkg/types"
)

// Exit codes. Partial failures inside a completed batch still exit 0.
const (
	exitOK             = 0
	exitFailure        = 1
	exitSessionInvalid = 2
	exitCancelled      = 3
)

// exitError carries a process exit code out of a command's Execute.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	p := flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCommand(p, "encode", "Export the session as a portable string",
		"Reads the stored session (or a session file) and prints the portable credential string.",
		&encodeCmd{})
	addCommand(p, "decode", "Import a portable credential string",
		"Decodes a portable credential string and writes the session file.",
		&decodeCmd{})
	addCommand(p, "validate", "Check a portable credential string",
		"Verifies the structure and checksum of a portable credential string without importing it.",
		&validateCmd{})
	addCommand(p, "scrape", "Run a batch scrape",
		"Scrapes the configured publishers over the date window and writes the result file.",
		&scrapeCmd{})
	addCommand(p, "search", "Search saved results with a wildcard pattern",
		"Runs a wildcard content search over a JSON result file.",
		&searchCmd{})
	addCommand(p, "login", "Log in interactively and store the session",
		"Opens a browser for QR login and saves the captured session.",
		&loginCmd{})

	if _, err := p.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			return exitOK
		}
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			if exitErr.msg != "" {
				fmt.Fprintln(os.Stderr, exitErr.msg)
			}
			return exitErr.code
		}
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	return exitOK
}

func addCommand(p *flags.Parser, name, short, long string, cmd interface{}) {
	if _, err := p.AddCommand(name, short, long, cmd); err != nil {
		panic(err)
	}
}

// defaultStore opens the per-user session store.
func defaultStore(log *zap.Logger) (*session.Store, error) {
	return session.NewStore(log)
}

type encodeCmd struct {
	File string `long:"file" description:"read the session from this file instead of the default store"`
}

func (c *encodeCmd) Execute([]string) error {
	log, err := logger.NewDefaultLogger()
	if err != nil {
		return &exitError{exitFailure, err.Error()}
	}
	defer log.Sync()

	var sess *types.Session
	if c.File != "" {
		data, err := os.ReadFile(c.File)
		if err != nil {
			return &exitError{exitFailure, fmt.Sprintf("failed to read session file: %v", err)}
		}
		sess = &types.Session{}
		if err := json.Unmarshal(data, sess); err != nil {
			return &exitError{exitFailure, fmt.Sprintf("invalid session file: %v", err)}
		}
	} else {
		store, err := defaultStore(log)
		if err != nil {
			return &exitError{exitFailure, err.Error()}
		}
		sess, err = store.Load()
		if err != nil {
			return &exitError{exitFailure, fmt.Sprintf("no usable session: %v", err)}
		}
	}

	encoded, err := codec.Encode(sess)
	if err != nil {
		return &exitError{exitFailure, fmt.Sprintf("encode failed: %v", err)}
	}
	fmt.Println(encoded)
	return nil
}

type decodeCmd struct {
	Output   string `long:"output" description:"write the session file to this path instead of the default store"`
	NoBackup bool   `long:"no-backup" description:"do not back up an existing session file"`
	Args     struct {
		Encoded string `positional-arg-name:"STRING" required:"true"`
	} `positional-args:"true"`
}

func (c *decodeCmd) Execute([]string) error {
	log, err := logger.NewDefaultLogger()
	if err != nil {
		return &exitError{exitFailure, err.Error()}
	}
	defer log.Sync()

	sess, err := codec.Decode(c.Args.Encoded)
	if err != nil {
		return &exitError{exitFailure, fmt.Sprintf("decode failed: %v", err)}
	}

	var store *session.Store
	if c.Output != "" {
		store = session.NewStoreAt(c.Output, session.TTL(), log)
	} else {
		store, err = defaultStore(log)
		if err != nil {
			return &exitError{exitFailure, err.Error()}
		}
	}

	if c.NoBackup {
		err = store.Save(sess)
	} else {
		err = store.SaveWithBackup(sess)
	}
	if err != nil {
		return &exitError{exitFailure, fmt.Sprintf("failed to write session: %v", err)}
	}

	info := codec.Summarize(sess)
	fmt.Printf("session imported to %s\n", store.Path())
	fmt.Printf("  token:    %s\n", info.TokenPreview)
	fmt.Printf("  cookies:  %d\n", info.CookieCount)
	fmt.Printf("  captured: %s\n", info.CapturedAt)
	return nil
}

type validateCmd struct {
	Args struct {
		Encoded string `positional-arg-name:"STRING" required:"true"`
	} `positional-args:"true"`
}

func (c *validateCmd) Execute([]string) error {
	if _, err := codec.Decode(c.Args.Encoded); err != nil {
		return &exitError{exitFailure, fmt.Sprintf("invalid: %v", err)}
	}
	fmt.Println("valid")
	return nil
}

type scrapeCmd struct {
	Config        string `long:"config" short:"c" description:"path to a YAML batch configuration file"`
	Publishers    string `long:"publishers" description:"comma-separated publisher display names (overrides config)"`
	From          string `long:"from" description:"window start, YYYY-MM-DD"`
	To            string `long:"to" description:"window end, YYYY-MM-DD"`
	Pages         int    `long:"pages" description:"pages per publisher"`
	Bodies        bool   `long:"bodies" description:"fetch and parse article bodies"`
	Keyword       string `long:"keyword" description:"keep only records whose body contains this keyword"`
	Out           string `long:"out" description:"output path (.csv or .json)"`
	Interval      int    `long:"interval" description:"request pacing interval in seconds"`
	MaxPublishers int    `long:"max-publishers" description:"concurrent publisher pipelines"`
	MaxRequests   int    `long:"max-requests" description:"concurrent requests per pipeline"`
	Events        string `long:"events" description:"append progress events to this JSONL file"`
	MetricsListen string `long:"metrics-listen" description:"serve Prometheus metrics on this address"`
}

func (c *scrapeCmd) Execute([]string) error {
	cfg := &configtypes.ScrapeConfig{}
	if c.Config != "" {
		loaded, err := config.Load(c.Config)
		if err != nil {
			return &exitError{exitFailure, fmt.Sprintf("failed to load config: %v", err)}
		}
		cfg = loaded
	} else {
		config.ApplyDefaults(cfg)
	}
	c.applyOverrides(cfg)

	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		return &exitError{exitFailure, fmt.Sprintf("failed to create logger: %v", err)}
	}
	defer log.Sync()

	batch, err := config.ToBatchConfig(cfg)
	if err != nil {
		return &exitError{exitFailure, fmt.Sprintf("invalid batch configuration: %v", err)}
	}
	if batch.OutputPath == "" {
		batch.OutputPath = "results.csv"
	}

	store, err := defaultStore(log)
	if err != nil {
		return &exitError{exitFailure, err.Error()}
	}
	sess, err := store.Load()
	if err != nil {
		return &exitError{exitSessionInvalid, fmt.Sprintf("no usable session, log in first: %v", err)}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var pm *metrics.PrometheusMetrics
	if cfg.Metrics.Enabled {
		pm = metrics.NewPrometheusMetrics(cfg.Metrics.Namespace, log)
		if _, err := metrics.StartServer(true, cfg.Metrics.Listen, cfg.Metrics.Path, pm, log); err != nil {
			return &exitError{exitFailure, fmt.Sprintf("failed to start metrics server: %v", err)}
		}
	}

	apiClient := client.New(sess, client.Config{
		RequestIntervalSeconds: batch.RequestIntervalSeconds,
	}, log, pm)

	valid, err := apiClient.ValidateSession(ctx)
	if err != nil {
		return &exitError{exitSessionInvalid, fmt.Sprintf("session probe failed: %v", err)}
	}
	if !valid {
		return &exitError{exitSessionInvalid, "session expired, log in again"}
	}

	runID := requestid.NewRunID()
	bus := events.NewBus(runID)
	bus.Attach(events.NewLogEmitter(log))
	eventFile := configtypes.EventFileConfig{}
	if cfg.EventLogging != nil {
		eventFile = cfg.EventLogging.File
	}
	if c.Events != "" {
		eventFile.Enabled = true
		eventFile.Path = c.Events
	}
	if eventFile.Enabled {
		emitter, err := events.NewFileEmitter(eventFile, log)
		if err != nil {
			return &exitError{exitFailure, fmt.Sprintf("failed to open event log: %v", err)}
		}
		bus.Attach(emitter)
	}
	defer bus.Close()

	log.Info("starting batch",
		zap.String("run_id", runID),
		zap.Strings("publishers", batch.Publishers),
		zap.Bool("bodies", batch.FetchBodies),
		zap.String("output", batch.OutputPath))

	runner := scraper.NewRunner(apiClient, parser.New(log), bus, log, pm)
	records := runner.Run(ctx, *batch)

	if err := sink.NewWriter(log).Write(batch.OutputPath, records); err != nil {
		return &exitError{exitFailure, fmt.Sprintf("failed to write results: %v", err)}
	}
	fmt.Printf("%d records written to %s\n", len(records), batch.OutputPath)

	if ctx.Err() != nil {
		return &exitError{exitCancelled, "cancelled, partial results saved"}
	}
	return nil
}

// applyOverrides layers command-line flags over the loaded file config.
func (c *scrapeCmd) applyOverrides(cfg *configtypes.ScrapeConfig) {
	if c.Publishers != "" {
		var names []string
		for _, name := range strings.Split(c.Publishers, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
		cfg.Publishers = names
	}
	if c.From != "" {
		cfg.Window.From = c.From
	}
	if c.To != "" {
		cfg.Window.To = c.To
	}
	if c.Pages > 0 {
		cfg.Pages = c.Pages
	}
	if c.Bodies {
		cfg.FetchBodies = true
	}
	if c.Keyword != "" {
		cfg.BodyKeyword = c.Keyword
	}
	if c.Out != "" {
		cfg.Output = c.Out
	}
	if c.Interval > 0 {
		cfg.Interval = c.Interval
	}
	if c.MaxPublishers > 0 {
		cfg.Concurrency.Publishers = c.MaxPublishers
	}
	if c.MaxRequests > 0 {
		cfg.Concurrency.Requests = c.MaxRequests
	}
	if c.MetricsListen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = c.MetricsListen
	}
}

type searchCmd struct {
	In   string `long:"in" description:"JSON result file to search" default:"results.json"`
	Args struct {
		Pattern string `positional-arg-name:"PATTERN" required:"true"`
	} `positional-args:"true"`
}

func (c *searchCmd) Execute([]string) error {
	log, err := logger.NewDefaultLogger()
	if err != nil {
		return &exitError{exitFailure, err.Error()}
	}
	defer log.Sync()

	hits, err := search.NewSearcher(log).SearchFile(c.In, c.Args.Pattern)
	if err != nil {
		return &exitError{exitFailure, err.Error()}
	}

	for _, hit := range hits {
		fmt.Printf("%s | %s\n", hit.Record.Publisher, hit.Record.Title)
		for _, m := range hit.Matches {
			fmt.Printf("  %s\n", m)
		}
	}
	fmt.Printf("%d matching records\n", len(hits))
	return nil
}

type loginCmd struct {
	Timeout time.Duration `long:"timeout" description:"how long to wait for the QR scan" default:"5m"`
}

func (c *loginCmd) Execute([]string) error {
	log, err := logger.NewDefaultLogger()
	if err != nil {
		return &exitError{exitFailure, err.Error()}
	}
	defer log.Sync()

	store, err := defaultStore(log)
	if err != nil {
		return &exitError{exitFailure, err.Error()}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := bootstrap.NewLogin(store, log).Run(ctx, c.Timeout)
	if err != nil {
		return &exitError{exitFailure, fmt.Sprintf("login failed: %v", err)}
	}

	info := codec.Summarize(sess)
	fmt.Printf("logged in, session saved to %s\n", store.Path())
	fmt.Printf("  token:   %s\n", info.TokenPreview)
	fmt.Printf("  cookies: %d\n", info.CookieCount)
	return nil
}
