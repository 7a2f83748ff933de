// Package flags provides functionality for managing flags for cpg
package flags

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/stanislawq/Cryptocurrency-gateway/build"
	"github.com/stanislawq/Cryptocurrency-gateway/db"
	"github.com/stanislawq/Cryptocurrency-gateway/dispatcher"
	"github.com/stanislawq/Cryptocurrency-gateway/models/outbox"
	"github.com/stanislawq/Cryptocurrency-gateway/provider"
	"github.com/stanislawq/Cryptocurrency-gateway/sweeper"
)

var log = build.AddSubLogger("FLAG")

// Concat concatenates the given list of flags, without mutating them
func Concat(first []cli.Flag, rest ...[]cli.Flag) []cli.Flag {
	var copied = make([]cli.Flag, len(first))
	_ = copy(copied, first)
	for _, r := range rest {
		copied = append(copied, r...)
	}
	return copied
}

// CommonFlags is a set of flags that all commands take
var CommonFlags = Concat([]cli.Flag{}, logging)

// ReadDbConf reads the approriate flags for connecting to the DB
func ReadDbConf(c *cli.Context) db.DatabaseConfig {
	conf := db.DatabaseConfig{
		User:           c.String("db.user"),
		Password:       c.String("db.password"),
		Host:           c.String("db.host"),
		Port:           c.Int("db.port"),
		Name:           c.String("db.name"),
		MigrationsPath: c.String("db.migrationspath"),
	}

	// if no scheme was supplied to migrations path, default to file:
	parsedPath, err := url.Parse(conf.MigrationsPath)
	if err != nil {
		panic(fmt.Errorf("could not parse migrations path into URL: %w", err))
	}
	if len(parsedPath.Scheme) == 0 {
		conf.MigrationsPath = path.Join("file:", conf.MigrationsPath)
	}

	// how flags work in urfave/cli can be a bit confusing. flags belongs to a
	// context, and I haven't been able to find a natural way of scoping flags
	// correctly. so one issue that kept popping up was that DB flags were passed
	// in, but weren't picked up, because we did c.String instead of c.GlobalString.
	// however, doing c.GlobalString (or Int, or whatever) everywhere doesn't work
	// either. therefore, we recurse here until we find a context where the flags
	// are defined
	if conf.User == "" {
		parent := c.Parent()
		if parent == nil {
			panic("Reached root CLI context without hitting valid DB credentials!")
		}
		return ReadDbConf(parent)
	}
	return conf
}

// parsePairs parses repeated "key=value" flag values into a map
func parsePairs(values []string, flag string) (map[string]string, error) {
	pairs := make(map[string]string, len(values))
	for _, value := range values {
		parts := strings.SplitN(value, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("%s must be on the form key=value, got %q", flag, value)
		}
		pairs[parts[0]] = parts[1]
	}
	return pairs, nil
}

// ReadProviderConf reads the chain RPC endpoints
func ReadProviderConf(c *cli.Context) (provider.Config, error) {
	pairs, err := parsePairs(c.StringSlice("provider.rpcurl"), "provider.rpcurl")
	if err != nil {
		return provider.Config{}, err
	}
	return provider.Config{RPCURLs: pairs}, nil
}

// ReadConfirmations reads the per-chain confirmation thresholds
func ReadConfirmations(c *cli.Context) (map[string]int64, error) {
	pairs, err := parsePairs(c.StringSlice("confirmations"), "confirmations")
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		log.Debug("confirmations flag is not set, falling back to default threshold")
	}
	thresholds := make(map[string]int64, len(pairs))
	for chain, value := range pairs {
		threshold, err := strconv.ParseInt(value, 10, 64)
		if err != nil || threshold < 1 {
			return nil, fmt.Errorf("bad confirmation threshold for %s: %q", chain, value)
		}
		thresholds[chain] = threshold
	}
	return thresholds, nil
}

// ReadDispatcherConf reads the callback delivery tuning flags
func ReadDispatcherConf(c *cli.Context) (dispatcher.Config, error) {
	confirmations, err := ReadConfirmations(c)
	if err != nil {
		return dispatcher.Config{}, err
	}
	return dispatcher.Config{
		Workers:         c.Int("callback.workers"),
		CallbackTimeout: time.Duration(c.Int("callback.timeout-ms")) * time.Millisecond,
		MaxAttempts:     c.Int("callback.max-attempts"),
		BackoffBase:     time.Duration(c.Int("callback.backoff.base-ms")) * time.Millisecond,
		BackoffCap:      time.Duration(c.Int("callback.backoff.cap-ms")) * time.Millisecond,
		Confirmations:   confirmations,
	}, nil
}

// ReadSweeperConf reads the expiry sweeper tuning flags
func ReadSweeperConf(c *cli.Context) sweeper.Config {
	return sweeper.Config{
		Interval:  time.Duration(c.Int("sweeper.interval-seconds")) * time.Second,
		BatchSize: c.Int("sweeper.batch-size"),
	}
}

// Provider is a list of flags for talking to chains and the event provider
var Provider = []cli.Flag{
	cli.StringSliceFlag{
		Name:  "provider.rpcurl",
		Usage: "Chain RPC endpoint on the form chain=url, repeatable",
	},
	cli.StringFlag{
		Name:     "provider.webhook-secret",
		Usage:    "Shared secret the event provider sends on the webhook route",
		EnvVar:   "PROVIDER_WEBHOOK_SECRET",
		Required: true,
	},
	cli.StringSliceFlag{
		Name:  "confirmations",
		Usage: "Confirmation threshold on the form chain=blocks, repeatable",
	},
}

// Callback is a list of flags tuning merchant callback delivery
var Callback = []cli.Flag{
	cli.IntFlag{
		Name:  "callback.workers",
		Usage: "How many callbacks are delivered concurrently",
		Value: dispatcher.DefaultWorkers,
	},
	cli.IntFlag{
		Name:  "callback.timeout-ms",
		Usage: "Timeout for one callback POST, in milliseconds",
		Value: int(dispatcher.DefaultCallbackTimeout / time.Millisecond),
	},
	cli.IntFlag{
		Name:  "callback.max-attempts",
		Usage: "How many delivery attempts before a callback goes dead",
		Value: outbox.DefaultMaxAttempts,
	},
	cli.IntFlag{
		Name:  "callback.backoff.base-ms",
		Usage: "Base delay of the callback retry backoff, in milliseconds",
		Value: int(outbox.DefaultBackoffBase / time.Millisecond),
	},
	cli.IntFlag{
		Name:  "callback.backoff.cap-ms",
		Usage: "Upper bound on the callback retry delay, in milliseconds",
		Value: int(outbox.DefaultBackoffCap / time.Millisecond),
	},
}

// Sweeper is a list of flags tuning the expiry sweeper
var Sweeper = []cli.Flag{
	cli.IntFlag{
		Name:  "sweeper.interval-seconds",
		Usage: "How often to look for expired invoices, in seconds",
		Value: int(sweeper.DefaultInterval / time.Second),
	},
	cli.IntFlag{
		Name:  "sweeper.batch-size",
		Usage: "How many invoices one sweep round may expire",
		Value: sweeper.DefaultBatchSize,
	},
}

// Gateway is a list of flags for the API itself
var Gateway = []cli.Flag{
	cli.StringFlag{
		Name:   "wallet.allocator-url",
		Usage:  "Custody wallet service endpoint for deposit address allocation",
		EnvVar: "WALLET_ALLOCATOR_URL",
	},
	cli.StringFlag{
		Name:  "pay.base-url",
		Usage: "Base URL of the hosted payment page, omitted from responses when unset",
	},
	cli.Int64Flag{
		Name:  "invoice.default-expiry-seconds",
		Usage: "Payment window for invoices that don't set their own",
		Value: 3600,
	},
	cli.StringSliceFlag{
		Name:  "cors.origin",
		Usage: "Origin allowed to call the API from browsers, repeatable",
	},
}

// Db is a list of flags that apply to functionality that needs Db access
var Db = []cli.Flag{
	cli.StringFlag{
		Name:     "db.user",
		Usage:    "Database user",
		EnvVar:   "DATABASE_USER",
		Required: true,
	},
	cli.StringFlag{
		Name:     "db.password",
		Usage:    "Database password",
		EnvVar:   "DATABASE_PASSWORD",
		Required: true,
	},
	cli.StringFlag{
		Name:   "db.name",
		Usage:  "Database name",
		Value:  "cpg",
		EnvVar: "DATABASE_NAME",
	},
	cli.StringFlag{
		Name:  "db.host",
		Usage: "Database host to connect to",
		Value: "localhost",
	},
	cli.IntFlag{
		Name:   "db.port",
		Usage:  "Database port",
		Value:  5432,
		EnvVar: "DATABASE_PORT",
	},
	cli.StringFlag{
		Name:      "db.migrationspath",
		Usage:     `Path to DB migrations. Needs scheme ("file", etc.) in front of path"`,
		TakesFile: true,
		Value: func() string {
			dir, err := os.Getwd()
			if err != nil {
				panic(err)
			}
			return filepath.Join("file:", dir, "db", "migrations")
		}(),
	},
	cli.BoolFlag{
		Name:  "db.migrateup",
		Usage: "Apply migrations before starting the API",
	},
}

// logging is logging related CLI flags
var logging = []cli.Flag{
	cli.StringFlag{
		Name:  "logging.level",
		Value: logrus.InfoLevel.String(),
		Usage: "Logging level for all subsystems {trace, debug, info, warn, error, fatal, panic}",
	},
	cli.StringFlag{
		Name:      "logging.directory",
		TakesFile: true,
		Value: func() string {
			dir, err := os.Getwd()
			if err != nil {
				panic(err)
			}
			return filepath.Join(dir, "logs")
		}(),
		Usage: "What directory to write log files to",
	},
}
