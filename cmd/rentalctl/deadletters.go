package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"carrental/internal/carstatus"
)

func (c *cli) deadLettersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dl"},
		Short:   "Inspect and act on dead-lettered events",
	}

	var all bool
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, unresolved only by default",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, done, err := c.openDeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			records, err := store.ListDeadLetters(cmd.Context(), !all, limit)
			if err != nil {
				return err
			}
			c.printDeadLetters(records)
			return nil
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include resolved dead letters")
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows to show")

	show := &cobra.Command{
		Use:   "show [event-id]",
		Short: "Show one dead letter as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid event id: %w", err)
			}
			store, done, err := c.openDeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			dl, err := store.GetDeadLetter(cmd.Context(), id)
			if err != nil {
				return err
			}
			return c.printJSON(dl)
		},
	}

	var resolution string
	resolve := &cobra.Command{
		Use:   "resolve [event-id]",
		Short: "Mark a dead letter as handled without replaying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid event id: %w", err)
			}
			store, done, err := c.openDeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			if err := store.Resolve(cmd.Context(), id, resolution); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "resolved %s (%s)\n", id, resolution)
			return nil
		},
	}
	resolve.Flags().StringVar(&resolution, "resolution", "manual", "note stored with the resolution")

	replay := &cobra.Command{
		Use:   "replay [event-id]",
		Short: "Publish a dead-lettered event again and resolve it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid event id: %w", err)
			}
			store, done, err := c.openDeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			pub, err := c.openPublisher(cmd.Context())
			if err != nil {
				return err
			}
			defer pub.Close()
			if err := carstatus.Replay(cmd.Context(), store, pub, id); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "replayed %s\n", id)
			return nil
		},
	}

	cmd.AddCommand(list, show, resolve, replay)
	return cmd
}

func (c *cli) printDeadLetters(records []carstatus.DeadLetterRecord) {
	if len(records) == 0 {
		fmt.Fprintln(c.out, "no dead letters")
		return
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT ID\tTYPE\tRENTAL\tCAR\tREASON\tATTEMPTS\tSEEN\tFAILED AT\tRESOLUTION")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.Event.ID, r.Event.Type, r.Event.RentalID, r.Event.CarID, r.Reason,
			r.Attempts, r.Occurrences, r.FailedAt.UTC().Format(time.RFC3339), r.Resolution)
	}
	tw.Flush()
}
