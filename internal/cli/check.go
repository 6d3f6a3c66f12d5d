package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/koustreak/querygate/internal/errs"
	"github.com/koustreak/querygate/internal/sqlguard"
)

// checkResult is what `check --json` prints.
type checkResult struct {
	Valid        bool           `json:"valid"`
	EffectiveSQL string         `json:"effectiveSql,omitempty"`
	Limited      bool           `json:"limited"`
	Code         string         `json:"code,omitempty"`
	Message      string         `json:"message,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

func newCheckCmd() *cobra.Command {
	var (
		dialect string
		limit   int
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "check [SQL]",
		Short: "Validate a statement offline and print the SQL that would run",
		Long: `check runs the read-only policy and the row cap on a statement without
touching any database. The statement comes from the argument or, when
absent or "-", from standard input.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sql, err := readStatement(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			d, err := sqlguard.DialectFor(dialect)
			if err != nil {
				return err
			}
			if limit <= 0 {
				limit = configFrom(cmd).DefaultRowLimit
			}

			_, effective, limited, err := sqlguard.Rewrite(sql, d, limit)
			res := checkResult{Valid: err == nil, EffectiveSQL: effective, Limited: limited}
			if e, ok := errs.As(err); ok {
				res.Code, res.Message, res.Details = e.Kind.String(), e.Message, e.Details
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(res); encErr != nil {
					return encErr
				}
			} else if err == nil {
				fmt.Fprintln(out, effective)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&dialect, "dialect", "d", "postgresql", "SQL dialect (postgresql|mysql|sqlite)")
	cmd.Flags().IntVar(&limit, "limit", 0, "row cap (default: default_row_limit)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the outcome as JSON")
	return cmd
}

func readStatement(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	if stdin == nil {
		stdin = os.Stdin
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", errs.Wrap(errs.KindValidation, "failed to read statement", err)
	}
	if strings.TrimSpace(string(b)) == "" {
		return "", errs.New(errs.KindValidation, "no statement given")
	}
	return string(b), nil
}
