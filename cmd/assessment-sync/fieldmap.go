package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edusync/assessment-sync/pkg/config"
	"github.com/edusync/assessment-sync/pkg/fieldmap"
)

var validateFieldMapCmd = &cobra.Command{
	Use:   "validate-fieldmap [path]",
	Short: "Validate a field-map file",
	Long: `Validate-fieldmap checks a field-map file without touching the source or the
sink. With no path it validates the field_map named by the configuration.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidateFieldMap,
}

func runValidateFieldMap(cmd *cobra.Command, args []string) error {
	out, err := newPrinter(cmd.OutOrStdout(), outputFmt)
	if err != nil {
		return err
	}
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		path = cfg.FieldMap
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read field map: %w", err)
	}
	result := fieldmap.DefaultValidator().Validate(data)

	if done, err := out.structured(result); done {
		if err != nil {
			return err
		}
	} else {
		rows := make([][]string, 0, len(result.LayerResults))
		for _, lr := range result.LayerResults {
			status := "ok"
			if !lr.Valid {
				status = "failed"
			}
			msgs := make([]string, 0, len(lr.Errors))
			for _, e := range lr.Errors {
				msgs = append(msgs, e.String())
			}
			rows = append(rows, []string{lr.Layer, status, truncate(strings.Join(msgs, "; "), 120)})
		}
		out.table([]string{"Layer", "Status", "Errors"}, rows)
	}

	if !result.Valid {
		return &exitError{code: 1, err: &fieldmap.ValidationFailure{Result: result}}
	}
	fmt.Fprintf(os.Stderr, "%s is valid\n", path)
	return nil
}
