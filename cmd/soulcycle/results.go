package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/igorao79/soulcycle/pkg/fetch"
)

func newResultsCmd(flags *rootFlags) *cobra.Command {
	var (
		voterID string
		refresh bool
	)

	cmd := &cobra.Command{
		Use:   "results <poll-id>",
		Short: "Show vote tallies for a poll",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.polls.Results(cmd.Context(), args[0], voterID, fetch.Options{SkipCache: refresh})
			if err != nil {
				return err
			}

			fmt.Println(res.Poll.Question)
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "#\tOPTION\tVOTES\tPERCENT\t")
			for i, o := range res.Results.Options {
				mark := ""
				if res.Choice != nil && *res.Choice == i {
					mark = "<- you"
				}
				fmt.Fprintf(w, "%d\t%s\t%d\t%d%%\t%s\n", i, o.Text, o.Votes, o.Percentage, mark)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("Total votes: %d\n", res.Results.TotalVotes)
			if res.Stale {
				fmt.Println("(poll definition served from cache; data service unreachable)")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&voterID, "voter", "", "mark this voter's choice")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass cached poll definitions")
	return cmd
}
