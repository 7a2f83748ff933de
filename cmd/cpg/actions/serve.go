package actions

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli"

	"github.com/stanislawq/Cryptocurrency-gateway/api"
	"github.com/stanislawq/Cryptocurrency-gateway/build"
	"github.com/stanislawq/Cryptocurrency-gateway/cmd/cpg/flags"
	"github.com/stanislawq/Cryptocurrency-gateway/db"
	"github.com/stanislawq/Cryptocurrency-gateway/dispatcher"
	"github.com/stanislawq/Cryptocurrency-gateway/provider"
	"github.com/stanislawq/Cryptocurrency-gateway/sweeper"
)

// Serve starts the gateway: HTTP API, callback dispatcher and expiry
// sweeper in one process
func Serve() cli.Command {
	serve := cli.Command{
		Name:  "serve",
		Usage: "Starts the payment gateway api",
		Action: func(c *cli.Context) error {
			dbConf := flags.ReadDbConf(c)
			database, err := db.Open(dbConf)
			if err != nil {
				return err
			}
			defer func() { err = database.Close() }()

			// we do a DB status check here, to verify that we can connect
			// to the DB. otherwise errors there won't get picked up until later
			status, err := database.MigrationStatus()
			if err != nil && !c.Bool("db.migrateup") {
				return fmt.Errorf("could not query DB migration status: %w", err)
			}
			if c.Bool("db.migrateup") {
				if err == nil && !status.Dirty {
					log.Debug("No migrations needed")
				}
				if err := database.MigrateUp(); err != nil && err.Error() != "no change" {
					return err
				}
			}

			providerConf, err := flags.ReadProviderConf(c)
			if err != nil {
				return err
			}
			var chain provider.Client
			if len(providerConf.RPCURLs) > 0 {
				ethClient, err := provider.NewEthClient(providerConf)
				if err != nil {
					return err
				}
				defer ethClient.Close()
				chain = ethClient
			} else {
				log.Warn("No chain RPC endpoints configured, using mock heights")
				chain = provider.GetMockClient()
			}

			var allocator api.AddressAllocator
			if allocatorURL := c.String("wallet.allocator-url"); allocatorURL != "" {
				allocator = &api.HTTPAllocator{URL: allocatorURL}
			} else {
				log.Warn("No wallet service configured, using mock address allocation")
				allocator = &api.MockAllocator{}
			}

			logLevel, err := build.ToLogLevel(c.GlobalString("logging.level"))
			if err != nil {
				return err
			}
			config := api.Config{
				LogLevel:             logLevel,
				CORSOrigins:          c.StringSlice("cors.origin"),
				WebhookSecret:        c.String("provider.webhook-secret"),
				DefaultExpirySeconds: c.Int64("invoice.default-expiry-seconds"),
				PayBaseURL:           c.String("pay.base-url"),
			}
			a, err := api.NewApp(database, chain, allocator, api.StablecoinPricer{}, config)
			if err != nil {
				return err
			}

			dispatcherConf, err := flags.ReadDispatcherConf(c)
			if err != nil {
				return err
			}
			disp := dispatcher.New(database, chain, nil, dispatcherConf)
			disp.Start()
			defer disp.Stop()

			sweep := sweeper.New(database, flags.ReadSweeperConf(c))
			sweep.Start()
			defer sweep.Stop()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
			errs := make(chan error, 1)
			go func() {
				address := fmt.Sprintf(":%d", c.Int("port"))
				if os.Getenv(gin.EnvGinMode) == gin.ReleaseMode {
					errs <- a.Router.RunTLS(address,
						c.String("tls-cert-file"),
						c.String("tls-key-file"))
				} else {
					errs <- a.Router.Run(address)
				}
			}()

			select {
			case err = <-errs:
				return err
			case sig := <-quit:
				log.WithField("signal", sig).Info("Shutting down")
				return nil
			}
		},
	}

	baseFlags := []cli.Flag{
		cli.IntFlag{
			Name:  "port",
			Value: 5000,
			Usage: "Port number to listen on",
		},
		cli.StringFlag{
			Name:      "tls-cert-file",
			Usage:     "TLS certificate to serve with in release mode",
			TakesFile: true,
		},
		cli.StringFlag{
			Name:      "tls-key-file",
			Usage:     "TLS key to serve with in release mode",
			TakesFile: true,
		},
	}

	serve.Flags = flags.Concat(baseFlags, flags.Db, flags.Provider,
		flags.Callback, flags.Sweeper, flags.Gateway)
	return serve
}
