package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"exchangeflow/outbox"
	"exchangeflow/sweeper"
)

type sweepOptions struct {
	Once      bool
	Interval  time.Duration
	BatchSize int
}

func newSweepCommand(opts *rootOptions) *cobra.Command {
	sopts := &sweepOptions{}
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Auto-close instances whose check-in window has elapsed",
		Long: `Assign final outcomes to scheduled instances whose check-in window has
ended. Safe to run alongside the API process and other sweeps.

Examples:
  exchangectl sweep --once
  exchangectl sweep --interval 1m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.close()

			batch := sopts.BatchSize
			if batch <= 0 {
				batch = e.cfg.Sweeper.BatchSize
			}
			sw := sweeper.New(e.exchangeService(), e.log.With("component", "sweeper"), batch)
			if !sopts.Once {
				interval := sopts.Interval
				if interval <= 0 {
					interval = e.cfg.Sweeper.Interval
				}
				return sw.Run(cmd.Context(), interval)
			}
			report, err := sw.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			text := fmt.Sprintf("scanned %d, closed %d, skipped %d, failed %d",
				report.Scanned, report.Closed, report.Skipped, report.Failed)
			return writeResult(cmd.OutOrStdout(), opts.Format, report, text)
		},
	}
	cmd.Flags().BoolVar(&sopts.Once, "once", false, "run a single sweep and exit")
	cmd.Flags().DurationVar(&sopts.Interval, "interval", 0, "sweep interval (defaults to sweeper.interval)")
	cmd.Flags().IntVar(&sopts.BatchSize, "batch-size", 0, "instances per query (defaults to sweeper.batch_size)")
	return cmd
}

func newExtendCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "extend",
		Short: "Materialize recurring exchanges up to the configured horizon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.close()

			if limit <= 0 {
				limit = e.cfg.Horizon.BatchSize
			}
			n, err := e.exchangeService().ExtendAll(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), opts.Format, map[string]int{"inserted": n},
				fmt.Sprintf("inserted %d instances", n))
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "definitions per run (defaults to horizon.batch_size)")
	return cmd
}

func newRelayCommand(opts *rootOptions) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish pending outbox messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.close()

			var pub outbox.Publisher = outbox.NewLogPublisher(e.log.With("component", "outbox"))
			if e.cfg.AMQP.URL != "" {
				amqpPub, err := outbox.NewAMQPPublisher(e.cfg.AMQP.URL, e.cfg.AMQP.Exchange, e.log.With("component", "amqp"))
				if err != nil {
					return err
				}
				defer amqpPub.Close()
				pub = amqpPub
			}
			relay := outbox.NewRelay(e.pool, outbox.NewStore(), pub, e.log.With("component", "outbox"),
				e.cfg.Outbox.BatchSize, e.cfg.Outbox.MaxAttempts)
			if !once {
				return relay.Run(cmd.Context(), e.cfg.Outbox.Interval)
			}
			res, err := relay.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), opts.Format, res,
				fmt.Sprintf("published %d, retried %d, dead %d", res.Published, res.Retried, res.Dead))
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "relay a single batch and exit")
	return cmd
}
