package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"carrental/internal/outbox"
)

func (c *cli) outboxCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and drain the rental event outbox",
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show pending and failing outbox counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, done, err := c.openOutbox(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			st, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return c.printJSON(st)
		},
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List unpublished events, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, done, err := c.openOutbox(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			records, err := store.ListPending(cmd.Context(), limit)
			if err != nil {
				return err
			}
			c.printOutbox(records)
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows to show")

	var minAge time.Duration
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Publish one batch of unpublished events now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, done, err := c.openOutbox(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			pub, err := c.openPublisher(cmd.Context())
			if err != nil {
				return err
			}
			defer pub.Close()
			n, err := outbox.NewRelay(store, pub, c.cfg.Outbox.SweepBatch, minAge, c.log).SweepOnce(cmd.Context())
			fmt.Fprintf(c.out, "published %d events\n", n)
			return err
		},
	}
	sweep.Flags().DurationVar(&minAge, "min-age", 0, "skip events younger than this")

	cmd.AddCommand(stats, list, sweep)
	return cmd
}

func (c *cli) printOutbox(records []outbox.Record) {
	if len(records) == 0 {
		fmt.Fprintln(c.out, "outbox is empty")
		return
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEVENT ID\tTYPE\tRENTAL\tATTEMPTS\tCREATED AT\tLAST ERROR")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.Event.ID, r.Event.Type, r.Event.RentalID, r.Attempts,
			r.CreatedAt.UTC().Format(time.RFC3339), r.LastError)
	}
	tw.Flush()
}
