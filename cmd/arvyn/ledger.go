package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-go/arvyn/pkg/sidecar/audit"
)

var errNoAuditDSN = errors.New("ARVYN_AUDIT_DSN is required")

func newAuditCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recent approval decisions and halts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := a.load()
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.AuditDSN) == "" {
				return errNoAuditDSN
			}
			ledger, err := audit.OpenPostgres(cmd.Context(), cfg.AuditDSN)
			if err != nil {
				return err
			}
			defer ledger.Close()

			entries, err := ledger.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return writeEntries(a, entries)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to list")
	return cmd
}

func writeEntries(a *app, entries []audit.Entry) error {
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RECORDED\tSESSION\tKIND\tOUTCOME\tDELIVERED\tACTION\tAMOUNT\tRECIPIENT")
	for _, e := range entries {
		amount := ""
		if e.Kind == audit.KindDecision {
			amount = fmt.Sprintf("%.2f", e.Amount)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
			e.RecordedAt.Local().Format(time.DateTime), e.SessionID, e.Kind, dash(e.Outcome),
			e.Delivered, dash(e.Action), dash(amount), dash(e.Recipient))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply decision ledger migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := a.load()
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.AuditDSN) == "" {
				return errNoAuditDSN
			}
			ledger, err := audit.OpenPostgres(cmd.Context(), cfg.AuditDSN)
			if err != nil {
				return err
			}
			defer ledger.Close()
			if err := ledger.Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Info("decision ledger migrated")
			return nil
		},
	}
}
