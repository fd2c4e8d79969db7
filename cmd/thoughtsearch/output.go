package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/scttfrdmn/thoughtsearch/techniques/reasoning"
)

var (
	headerColor = color.New(color.FgGreen, color.Bold)
	labelColor  = color.New(color.FgCyan)
	dimColor    = color.New(color.FgWhite)
	errorColor  = color.New(color.FgRed)
)

func printResult(out io.Writer, result *reasoning.SearchResult) {
	headerColor.Fprintf(out, "\n%s\n", result.BestAnswer)
	dimColor.Fprintln(out, "---------------------------------")
	labelColor.Fprint(out, "query:       ")
	fmt.Fprintln(out, result.Query)
	labelColor.Fprint(out, "session:     ")
	fmt.Fprintln(out, result.SessionID)
	labelColor.Fprint(out, "score:       ")
	fmt.Fprintf(out, "%.3f (%d visits, uct %.3f)\n", result.Score, result.VisitCount, result.UCT)
	labelColor.Fprint(out, "rounds:      ")
	fmt.Fprintln(out, result.Rounds)
	labelColor.Fprint(out, "tree:        ")
	fmt.Fprintf(out, "%d nodes, depth %d, %d/%d leaves visited\n",
		result.Statistics.TotalNodes, result.Statistics.MaxDepth,
		result.Statistics.VisitedLeaves, result.Statistics.NumLeaves)
	if result.Usage != nil {
		labelColor.Fprint(out, "usage:       ")
		fmt.Fprintf(out, "%d tokens (%d prompt, %d completion) in %d calls, $%.4f\n",
			result.Usage.TotalTokens, result.Usage.PromptTokens, result.Usage.CompletionTokens,
			result.Usage.Requests, result.Usage.Cost)
	}

	if len(result.Trajectory) > 0 {
		labelColor.Fprintln(out, "reasoning:")
		for i, step := range result.Trajectory {
			fmt.Fprintf(out, "  Step %d: %s\n", i+1, step)
		}
	}
}

func printRound(out io.Writer, event reasoning.RoundEvent) {
	if event.Err != nil {
		errorColor.Fprintf(out, "round %d failed: %v\n", event.Round, event.Err)
		return
	}

	ids := make([]int, 0, len(event.LeafDeltas))
	for id := range event.LeafDeltas {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	deltas := make([]string, 0, len(ids))
	for _, id := range ids {
		deltas = append(deltas, fmt.Sprintf("%d:%+.0f", id, event.LeafDeltas[id]))
	}

	labelColor.Fprintf(out, "round %d ", event.Round)
	fmt.Fprintf(out, "selected %q, %d branches, leaves [%s], %d nodes\n",
		event.SelectedStep, len(event.NewBranches), strings.Join(deltas, " "), event.TreeSize)
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(out io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
