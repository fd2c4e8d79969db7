package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/scttfrdmn/thoughtsearch/techniques/reasoning"
)

func newSearchCmd(a *app) *cobra.Command {
	var (
		rounds  int
		verbose bool
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search for the best answer to a query",
		Example: `  thoughtsearch search "When I was 6 my sister was 3. Now I'm 56, how old is she?"
  thoughtsearch search --rounds 5 --verbose "What is 17 * 3?"`,
		Args: cobra.MinimumNArgs(1),
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

			result, err := rt.engine(opts...).Search(ctx, strings.Join(args, " "), rounds)
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

	cmd.Flags().IntVarP(&rounds, "rounds", "r", 0, "number of search rounds (default from config)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every round")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}
