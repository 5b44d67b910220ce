package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/scof256/hellodoctor-sub007/internal/delivery"
)

func newOutboxCmd(root *rootOptions) *cobra.Command {
	var discard bool
	cmd := &cobra.Command{
		Use:   "outbox <conversation>",
		Short: "Show messages still waiting in the local outbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			store, err := delivery.NewSQLiteStore(cfg.Client.OutboxDir)
			if err != nil {
				return err
			}
			defer store.Close()

			if discard {
				return store.Clear(cmd.Context(), args[0])
			}
			snap, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if snap.Empty() {
				fmt.Fprintln(cmd.OutOrStdout(), "outbox is empty")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TEMP ID\tSTATUS\tRETRIES\tTEXT")
			for _, m := range snap.Pending {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", m.TempID, delivery.StatusPending, m.RetryCount, m.Text)
			}
			for _, f := range snap.Failed {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", f.TempID, delivery.StatusFailed, f.RetryCount, f.Text)
			}
			for _, f := range snap.Exhausted {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", f.TempID, delivery.StatusPermanentlyFailed, f.RetryCount, f.Text)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&discard, "clear", false, "discard the stored outbox")
	return cmd
}
