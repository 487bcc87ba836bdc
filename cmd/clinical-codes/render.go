package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/clinical-codes-finder/internal/domain"
)

func renderTurn(out io.Writer, turn *domain.TurnResult) {
	intent := turn.Intent
	suffix := ""
	if intent.UsedContext {
		suffix = " (using conversation context)"
	}
	fmt.Fprintf(out, "Searching %q in %s%s\n", intent.SearchTerm, displayNames(turn.Result.SystemsQueried), suffix)

	if turn.Result.IsEmpty() {
		if turn.Message != "" {
			fmt.Fprintln(out, turn.Message)
		}
	} else {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for _, c := range turn.Result.Candidates {
			fmt.Fprintf(tw, "%3d.\t%s\t%s\t%s\t%.2f\n", c.Rank, c.System.DisplayName(), c.Code, c.Description, c.Confidence)
			if c.Explanation != "" {
				fmt.Fprintf(tw, "\t\t\t  %s\t\n", c.Explanation)
			}
		}
		tw.Flush()
	}

	if turn.Result.Summary != "" {
		fmt.Fprintln(out, turn.Result.Summary)
	}
	for _, f := range turn.FailedSystems {
		fmt.Fprintf(out, "! %s unavailable: %s\n", f.System.DisplayName(), f.Reason)
	}
	fmt.Fprintf(out, "(%d codes, %s)\n\n", len(turn.Result.Candidates), turn.Duration.Round(time.Millisecond))
}

func renderError(out io.Writer, err error) {
	switch domain.KindOf(err) {
	case domain.ErrKindEmptyQuery:
		fmt.Fprintln(out, "Please enter a query.")
	case domain.ErrKindNoContext:
		fmt.Fprintln(out, "There is no earlier topic to refer to yet. Try naming the condition, drug or test.")
	default:
		fmt.Fprintf(out, "Error: %v\n", err)
	}
}

func renderHistory(out io.Writer, turns []domain.ConversationTurn) {
	if len(turns) == 0 {
		fmt.Fprintln(out, "No turns yet.")
		return
	}
	for i, turn := range turns {
		fmt.Fprintf(out, "%d. %q -> %q in %s\n", i+1, turn.UserUtterance, turn.ResolvedTopic, displayNames(turn.DetectedSystems))
	}
}

func renderSystems(out io.Writer) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, system := range domain.AllCodingSystems() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", system, system.DisplayName(), system.Description())
	}
	tw.Flush()
}

func displayNames(systems []domain.CodingSystem) string {
	names := make([]string, len(systems))
	for i, system := range systems {
		names[i] = system.DisplayName()
	}
	return strings.Join(names, ", ")
}
