package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVoteCmd(flags *rootFlags) *cobra.Command {
	var (
		voterID string
		option  int
	)

	cmd := &cobra.Command{
		Use:   "vote <poll-id>",
		Short: "Cast a vote on a poll",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			rec, created, err := a.polls.Vote(cmd.Context(), args[0], voterID, option)
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("Vote recorded: %s chose option %d on %s (id %s)\n", rec.VoterID, rec.OptionIndex, rec.ResourceID, rec.ID)
			} else {
				fmt.Printf("Already voted: %s chose option %d on %s\n", rec.VoterID, rec.OptionIndex, rec.ResourceID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&voterID, "voter", "", "voter id (required)")
	cmd.Flags().IntVar(&option, "option", -1, "zero-based option index (required)")
	_ = cmd.MarkFlagRequired("voter")
	_ = cmd.MarkFlagRequired("option")
	return cmd
}
