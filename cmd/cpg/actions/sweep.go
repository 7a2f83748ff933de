package actions

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/urfave/cli"

	"github.com/stanislawq/Cryptocurrency-gateway/cmd/cpg/flags"
	"github.com/stanislawq/Cryptocurrency-gateway/db"
	"github.com/stanislawq/Cryptocurrency-gateway/sweeper"
)

// Sweep runs a single expiry sweep round and exits. Useful for cron-style
// deployments that don't want the background loop.
func Sweep() cli.Command {
	return cli.Command{
		Name:  "sweep",
		Usage: "Expires due invoices once and exits",
		Flags: flags.Concat(flags.Db, flags.Sweeper),
		Action: func(c *cli.Context) (err error) {
			conf := flags.ReadDbConf(c)
			database, err := db.Open(conf)
			if err != nil {
				return err
			}
			defer func() {
				if dbErr := database.Close(); dbErr != nil {
					err = dbErr
				}
			}()

			sweeperConf := flags.ReadSweeperConf(c)
			holder := uuid.New()
			held, err := sweeper.AcquireLease(database, sweeper.LeaseName, holder,
				sweeperConf.Interval+sweeper.DefaultLeaseTTL)
			if err != nil {
				return err
			}
			if !held {
				log.Info("Another sweeper holds the lease, nothing to do")
				return nil
			}
			defer func() {
				if leaseErr := sweeper.ReleaseLease(database, sweeper.LeaseName, holder); leaseErr != nil {
					log.WithError(leaseErr).Error("Could not release sweeper lease")
				}
			}()

			expired, err := sweeper.New(database, sweeperConf).SweepOnce()
			if err != nil {
				return err
			}
			fmt.Printf("expired %d invoices\n", expired)
			return nil
		},
	}
}
