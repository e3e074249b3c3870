package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"caserun/internal/infra/casefile"
	"caserun/internal/infra/sqlite"
)

var (
	importDBFlag  string
	listPageFlag  int
	listLimitFlag int
)

var casesCmd = &cobra.Command{
	Use:   "cases",
	Short: "Manage the case catalog",
}

var casesImportCmd = &cobra.Command{
	Use:   "import <cases.yaml>",
	Short: "Import cases from a YAML file into the SQLite catalog",
	Long: `Insert or replace every case of a YAML fixture file in a SQLite database.
The database defaults to cases.path when cases.driver is sqlite.`,
	Args: cobra.ExactArgs(1),
	RunE: runCasesImport,
}

var casesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cases of the configured catalog, newest first",
	Args:  cobra.NoArgs,
	RunE:  runCasesList,
}

func init() {
	casesImportCmd.Flags().StringVar(&importDBFlag, "db", "", "SQLite database path")
	casesListCmd.Flags().IntVar(&listPageFlag, "page", 1, "Page number")
	casesListCmd.Flags().IntVar(&listLimitFlag, "limit", 10, "Cases per page")
	casesCmd.AddCommand(casesImportCmd, casesListCmd)
	rootCmd.AddCommand(casesCmd)
}

func runCasesImport(cmd *cobra.Command, args []string) error {
	dbPath := importDBFlag
	if dbPath == "" {
		if cfg.Cases.Driver != "sqlite" {
			return fmt.Errorf("no database: pass --db or set cases.driver to sqlite")
		}
		dbPath = cfg.Cases.Path
	}

	fixture, err := casefile.Load(args[0])
	if err != nil {
		return err
	}

	store, err := sqlite.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open case database: %w", err)
	}
	defer store.Close()

	cases := fixture.Cases()
	for _, c := range cases {
		if err := store.PutCase(cmd.Context(), c); err != nil {
			return fmt.Errorf("import case %d: %w", c.ID, err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d cases into %s\n", len(cases), dbPath)
	return nil
}

func runCasesList(cmd *cobra.Command, args []string) error {
	catalog, closeCatalog, err := openCatalog(cfg.Cases)
	if err != nil {
		return err
	}
	if closeCatalog != nil {
		defer closeCatalog()
	}

	cases, total, err := catalog.ListCases(cmd.Context(), listPageFlag, listLimitFlag)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, c := range cases {
		fmt.Fprintf(out, "%5d  %-10s %s\n", c.ID, c.Difficulty, c.Title)
	}
	fmt.Fprintf(out, "%d of %d cases\n", len(cases), total)
	return nil
}
