package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"caserun/internal/domain/execution"
)

var (
	runCaseFlag    int64
	runLangFlag    string
	runVerboseFlag bool
)

var runCmd = &cobra.Command{
	Use:   "run <source-file> [-- program args...]",
	Short: "Grade a single source file against a case",
	Long: `Grade one submission. The language defaults to the one implied by the
file extension.

Examples:
  caserun run --case 1 two_sum.py
  caserun run --case 3 --lang cpp solution.cc -- --fast`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().Int64Var(&runCaseFlag, "case", 0, "Case id to grade against")
	runCmd.Flags().StringVar(&runLangFlag, "lang", "", "Submission language")
	runCmd.Flags().BoolVarP(&runVerboseFlag, "verbose", "v", false, "Print every vector and wrong-answer diffs")
	_ = runCmd.MarkFlagRequired("case")
	rootCmd.AddCommand(runCmd)
}

var extensionLanguages = map[string]execution.Language{
	".py":   execution.LanguagePython,
	".js":   execution.LanguageJavaScript,
	".rb":   execution.LanguageRuby,
	".go":   execution.LanguageGo,
	".c":    execution.LanguageC,
	".cc":   execution.LanguageCPP,
	".cpp":  execution.LanguageCPP,
	".java": execution.LanguageJava,
}

func languageFor(path, explicit string) (execution.Language, error) {
	if explicit != "" {
		return execution.Language(strings.ToLower(explicit)), nil
	}
	if lang, ok := extensionLanguages[strings.ToLower(filepath.Ext(path))]; ok {
		return lang, nil
	}
	return "", fmt.Errorf("cannot infer language of %s, pass --lang", path)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	lang, err := languageFor(args[0], runLangFlag)
	if err != nil {
		return err
	}
	source, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := app.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("failed to close application")
		}
	}()

	req := execution.Request{
		ID:       filepath.Base(args[0]),
		CaseID:   runCaseFlag,
		Language: lang,
		Source:   string(source),
		Args:     args[1:],
	}
	report, err := app.service.Run(ctx, req)

	out := newReportWriter(cmd.OutOrStdout(), runVerboseFlag)
	rr := execution.RunReport{Request: req, Err: err}
	if err == nil {
		rr.Report = &report
	}
	out.write(rr)
	if err != nil {
		return err
	}
	if !report.Passed {
		return errNotPassed
	}
	return nil
}
