package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/scttfrdmn/thoughtsearch/techniques/reasoning"
)

func newResumeCmd(a *app) *cobra.Command {
	var (
		sessionID string
		rounds    int
		verbose   bool
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue a checkpointed search",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireRounds(rounds); err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := a.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			if rt.checkpoints == nil {
				return errors.New("checkpointing is disabled; set checkpoint.backend")
			}
			if rounds == 0 {
				rounds = rt.cfg.Search.Rounds
			}

			out := cmd.OutOrStdout()
			var opts []reasoning.MCTSOption
			if verbose {
				opts = append(opts, reasoning.WithRoundObserver(func(event reasoning.RoundEvent) {
					printRound(out, event)
				}))
			}

			result, err := rt.checkpoints.Resume(ctx, rt.engine(opts...), sessionID, rounds)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(out, result)
			}
			printResult(out, result)
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session to resume")
	cmd.Flags().IntVarP(&rounds, "rounds", "r", 0, "number of additional rounds (default from config)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every round")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}
