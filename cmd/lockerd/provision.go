package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"locker-coordinator/internal/db"
	"locker-coordinator/internal/events"
	"locker-coordinator/internal/liveness"
	"locker-coordinator/internal/locker"
	"locker-coordinator/internal/log"
	"locker-coordinator/internal/parse"
)

func newProvisionCommand(load loader) *cobra.Command {
	var (
		kioskID  string
		zone     string
		ids      string
		vip      bool
		contract string
	)
	cmd := &cobra.Command{
		Use:     "provision",
		Short:   "Register a kiosk and create its lockers",
		Example: "  lockerd provision --kiosk room-a --zone mens --lockers 1-30\n  lockerd provision --kiosk room-a --lockers 31,32 --vip --contract C-2024-17",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kioskID == "" {
				return errors.New("--kiosk is required")
			}
			lockerIDs, err := parse.LockerIDs(ids)
			if err != nil {
				return err
			}

			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer log.Sync(logger)

			gormDB, err := db.Init(&cfg.Database)
			if err != nil {
				return err
			}
			audit := events.NewRecorder(gormDB, logger)
			ctx := cmd.Context()

			registry := liveness.NewRegistry(gormDB, audit, cfg.Coordinator.OfflineThreshold, logger)
			if err := registry.Provision(ctx, kioskID, zone); err != nil {
				return err
			}
			created, err := locker.NewStore(gormDB, audit, logger).Provision(ctx, kioskID, lockerIDs, locker.ProvisionOptions{
				VIP:         vip,
				ContractRef: contract,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "kiosk %s: %d of %d lockers created\n", kioskID, created, len(lockerIDs))
			return nil
		},
	}
	cmd.Flags().StringVar(&kioskID, "kiosk", "", "kiosk identifier")
	cmd.Flags().StringVar(&zone, "zone", "", "zone the kiosk serves")
	cmd.Flags().StringVar(&ids, "lockers", "", "locker ids, e.g. 1-30 or 1,2,5-8")
	cmd.Flags().BoolVar(&vip, "vip", false, "mark the lockers as VIP contract lockers")
	cmd.Flags().StringVar(&contract, "contract", "", "VIP contract reference")
	return cmd
}
