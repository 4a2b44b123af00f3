package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"locker-coordinator/config"
	"locker-coordinator/internal/api"
	"locker-coordinator/internal/db"
	"locker-coordinator/internal/events"
	"locker-coordinator/internal/hardware"
	"locker-coordinator/internal/kiosk"
	"locker-coordinator/internal/locker"
	"locker-coordinator/internal/log"
)

const coordinatorTimeout = 10 * time.Second

func newKioskCommand(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kiosk",
		Short: "Run a kiosk agent: command poller, heartbeats, relay bus and local UI API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer log.Sync(logger)
			return runKiosk(cmd.Context(), cfg, logger)
		},
	}
	cmd.AddCommand(newScanCommand(load), newSetAddressCommand(load), newTestRelayCommand(load))
	return cmd
}

func runKiosk(ctx context.Context, cfg *config.Config, logger log.Logger) error {
	if cfg.Kiosk.ID == "" {
		return errors.New("kiosk.id is required")
	}
	if cfg.Kiosk.CoordinatorURL == "" {
		return errors.New("kiosk.coordinator_url is required")
	}
	logger = logger.WithValues("kiosk", cfg.Kiosk.ID)

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		return err
	}

	audit := events.NewRecorder(gormDB, logger)
	closeMQTT, err := attachMQTT(cfg.MQTT, audit, logger)
	if err != nil {
		return err
	}
	defer closeMQTT()

	link, err := hardware.NewLink(cfg.Hardware)
	if err != nil {
		return err
	}
	relays := hardware.NewActuator(link, cfg.Hardware, logger)

	client := kiosk.NewClient(cfg.Kiosk.CoordinatorURL, coordinatorTimeout)
	executor := kiosk.NewExecutor(cfg.Kiosk, client, locker.NewStore(gormDB, audit, logger), relays, audit, logger)
	agent := kiosk.NewAgent(cfg.Kiosk, client, executor, logger)

	g, ctx := errgroup.WithContext(ctx)
	audit.Start(ctx)
	g.Go(func() error {
		relays.Run(ctx)
		return nil
	})
	g.Go(func() error {
		if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("kiosk agent: %w", err)
		}
		return nil
	})

	server := &http.Server{
		Addr:    cfg.Kiosk.ListenAddr,
		Handler: api.NewKioskRouter(cfg.Kiosk.ID, executor),
	}
	serve(ctx, g, server, logger)

	return g.Wait()
}

// withRelays starts a relay worker on the configured bus for a one-shot
// commissioning command and stops it when fn returns.
func withRelays(cmd *cobra.Command, load loader, fn func(context.Context, *hardware.Actuator) error) error {
	cfg, logger, err := load()
	if err != nil {
		return err
	}
	defer log.Sync(logger)

	link, err := hardware.NewLink(cfg.Hardware)
	if err != nil {
		return err
	}
	relays := hardware.NewActuator(link, cfg.Hardware, logger)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go relays.Run(ctx)

	return fn(ctx, relays)
}

func newScanCommand(load loader) *cobra.Command {
	var from, to int
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List the relay boards answering at the given slave addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			if from < 1 || to > 247 || from > to {
				return fmt.Errorf("invalid slave range %d..%d", from, to)
			}
			return withRelays(cmd, load, func(ctx context.Context, relays *hardware.Actuator) error {
				boards, err := relays.Scan(ctx, from, to)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(boards) == 0 {
					fmt.Fprintln(out, "no boards answered")
					return nil
				}
				for _, b := range boards {
					fmt.Fprintf(out, "slave %d\taddress 0x%04x\n", b.Slave, b.Address)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&from, "from", 1, "first slave address")
	cmd.Flags().IntVar(&to, "to", 16, "last slave address")
	return cmd
}

func newSetAddressCommand(load loader) *cobra.Command {
	var from, to int
	cmd := &cobra.Command{
		Use:   "set-address",
		Short: "Change the Modbus slave address of a relay board",
		Long: "Writes the new address to the board answering at --from and reads it back at --to.\n" +
			"Connect one board at a time when boards share an address.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if from < 1 || from > 247 || to < 1 || to > 247 {
				return fmt.Errorf("slave addresses must be within 1..247, got %d -> %d", from, to)
			}
			return withRelays(cmd, load, func(ctx context.Context, relays *hardware.Actuator) error {
				if err := relays.SetSlaveAddress(ctx, from, to); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "board at slave %d now answers at %d\n", from, to)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&from, "from", 0, "current slave address")
	cmd.Flags().IntVar(&to, "to", 0, "new slave address")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newTestRelayCommand(load loader) *cobra.Command {
	var (
		lockerID int
		burst    bool
	)
	cmd := &cobra.Command{
		Use:   "test-relay",
		Short: "Pulse the relay of one locker and confirm it released",
		RunE: func(cmd *cobra.Command, args []string) error {
			if lockerID < 1 {
				return errors.New("--locker must be positive")
			}
			return withRelays(cmd, load, func(ctx context.Context, relays *hardware.Actuator) error {
				res, err := relays.Open(ctx, lockerID, hardware.OpenOptions{Burst: burst})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "locker %d: board %d channel %d, %d pulse(s) via %s in %s\n",
					res.LockerID, res.Board, res.Channel, res.Pulses, res.Mode, res.Elapsed.Round(time.Millisecond))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&lockerID, "locker", 0, "locker number")
	cmd.Flags().BoolVar(&burst, "burst", false, "keep pulsing until the relay confirms")
	_ = cmd.MarkFlagRequired("locker")
	return cmd
}
