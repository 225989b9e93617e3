package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/isocheck/internal/isolation"
)

// LevelRules is one row of the rule table.
type LevelRules struct {
	Level     string   `json:"level"`
	Permitted []string `json:"permitted"`
	Forbidden []string `json:"forbidden"`
}

// NewRulesCommand creates the rules command.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	var phantomAtRR bool

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Print the isolation level rule table",
		Long: `Print which phenomena each isolation level permits and forbids.

A forbidden phenomenon observed at a level is an isolation violation.
By default PhantomRead is forbidden at RepeatableRead, as in PostgreSQL;
--phantom-at-rr permits it, as ANSI SQL does.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rules := isolation.NewRuleTable(isolation.WithPhantomAtRepeatableRead(phantomAtRR))
			return outputRules(newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr()), rules)
		},
	}

	cmd.Flags().BoolVar(&phantomAtRR, "phantom-at-rr", false, "permit phantom reads at repeatable_read")
	return cmd
}

// ruleRows renders the table in level order, weakest first.
func ruleRows(rules isolation.RuleTable) []LevelRules {
	rows := make([]LevelRules, len(isolation.Levels))
	for i, l := range isolation.Levels {
		rows[i] = LevelRules{
			Level:     l.Key(),
			Permitted: names(rules.Permitted(l)),
			Forbidden: names(rules.Forbidden(l)),
		}
	}
	return rows
}

func names(ps []isolation.Phenomenon) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.String()
	}
	return out
}

func outputRules(f *OutputFormatter, rules isolation.RuleTable) error {
	rows := ruleRows(rules)
	if f.Format == "json" {
		return f.Success(rows)
	}

	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LEVEL\tPERMITTED\tFORBIDDEN")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Level, list(r.Permitted), list(r.Forbidden))
	}
	return tw.Flush()
}

func list(s []string) string {
	if len(s) == 0 {
		return "-"
	}
	return strings.Join(s, ", ")
}
