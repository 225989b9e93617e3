package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// ValidationIssue is one problem found in a scenario file.
type ValidationIssue struct {
	File    string `json:"file,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool              `json:"valid"`
	Files     int               `json:"files"`
	Scenarios []string          `json:"scenarios,omitempty"`
	Errors    []ValidationIssue `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <scenarios-dir>",
		Short: "Check scenario files without running them",
		Long: `Check every scenario file in a directory against the scenario schema and
for consistency: known participants and points, waits only by
participants, variables bound before use, values of the column's type.

All files are checked; every problem is reported.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	loaded, loadErrs := LoadScenarios(dir, LoadModeCollectAll)
	if loaded == nil {
		code, message := ErrCodeGeneric, loadErrs[0].Error()
		var le *LoadError
		if errors.As(loadErrs[0], &le) {
			code, message = le.Code, le.Message
		}
		_ = formatter.Error(code, message, nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
	}
	formatter.VerboseLog("Found %d scenario file(s) in %s", loaded.FileCount, dir)

	result := ValidationResult{Valid: len(loadErrs) == 0, Files: loaded.FileCount}
	for _, sc := range loaded.Scenarios {
		result.Scenarios = append(result.Scenarios, sc.Name)
		formatter.VerboseLog("Valid: %s", sc.Name)
	}
	for _, err := range loadErrs {
		issue := ValidationIssue{Code: ErrCodeGeneric, Message: err.Error()}
		var le *LoadError
		if errors.As(err, &le) {
			issue = ValidationIssue{File: le.File, Code: le.Code, Message: le.Message}
		}
		result.Errors = append(result.Errors, issue)
	}

	if formatter.Format == "json" {
		resp := CLIResponse{Status: "ok", Data: result}
		if !result.Valid {
			resp.Status = "error"
			resp.Error = &CLIError{Code: result.Errors[0].Code, Message: result.Errors[0].Message}
		}
		if err := formatter.encode(resp); err != nil {
			return err
		}
	} else {
		outputValidateText(formatter, result)
	}

	if !result.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))
	}
	return nil
}

func outputValidateText(f *OutputFormatter, result ValidationResult) {
	w := f.Writer
	if result.Valid {
		fmt.Fprintf(w, "%s All %d scenario(s) valid\n", f.Mark(true), len(result.Scenarios))
		return
	}

	fmt.Fprintf(w, "%s Validation failed\n\n", f.Mark(false))
	for _, issue := range result.Errors {
		if issue.File != "" {
			fmt.Fprintln(w, issue.File)
		}
		fmt.Fprintf(w, "  %s: %s\n\n", issue.Code, issue.Message)
	}
}
