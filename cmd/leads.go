package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/nurture-cli/internal/config"
	"github.com/sells-group/nurture-cli/internal/importer"
	"github.com/sells-group/nurture-cli/internal/lifecycle"
	"github.com/sells-group/nurture-cli/internal/model"
	"github.com/sells-group/nurture-cli/internal/store"
	"github.com/sells-group/nurture-cli/pkg/notion"
)

var leadsCmd = &cobra.Command{
	Use:   "leads",
	Short: "Import, inspect and annotate leads",
}

// -- leads list --

var leadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List leads in import order",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeImport)
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		filter := store.LeadFilter{Limit: limit}
		if cmd.Flags().Changed("status") {
			filter.Status = model.StatusPtr(model.Status(status))
		}

		leads, err := env.Store.ListLeads(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "leads list")
		}
		if asJSON {
			return writeJSON(os.Stdout, leads)
		}
		if len(leads) == 0 {
			fmt.Fprintln(os.Stderr, "No leads found.")
			return nil
		}
		formatLeadsList(os.Stdout, leads)
		return nil
	},
}

// -- leads show --

var leadsShowCmd = &cobra.Command{
	Use:   "show <lead-id>",
	Short: "Show one lead with its content, slots and sends",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeImport)
		if err != nil {
			return err
		}
		defer env.Close()

		lead, err := env.Store.GetLead(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "leads show")
		}
		sends, err := env.Store.ListSends(ctx, lead.ID, 0)
		if err != nil {
			return eris.Wrap(err, "leads show")
		}
		return writeJSON(os.Stdout, struct {
			*model.Lead
			Sends []model.SendRecord `json:"sends"`
		}{lead, sends})
	},
}

// -- leads import --

var leadsImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import leads from a CSV/XLSX file or the Notion lead database",
	Long: "Reads leads from a .csv or .xlsx file, or from the configured Notion database with --notion. " +
		"Emails already in the store are skipped. With notion.imported_status set, imported pages are " +
		"moved to that status afterwards.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		fromNotion, _ := cmd.Flags().GetBool("notion")
		if fromNotion == (len(args) == 1) {
			return eris.New("pass either a file or --notion")
		}

		env, err := initEnv(ctx, config.ModeImport)
		if err != nil {
			return err
		}
		defer env.Close()

		if fromNotion {
			return importFromNotion(ctx, env.Store)
		}

		charset, _ := cmd.Flags().GetString("charset")
		sheet, _ := cmd.Flags().GetString("sheet")
		res, err := importer.ReadFile(args[0], importer.FileOptions{Charset: charset, Sheet: sheet})
		if err != nil {
			return err
		}
		_, err = insertImported(ctx, env.Store, res, args[0])
		return err
	},
}

// -- leads signal --

var leadsSignalCmd = &cobra.Command{
	Use:   "signal <lead-id> <open|reply|bounce>",
	Short: "Record an open, reply or bounce against a lead",
	Long:  "Reply and bounce finish a Running lead so no further mails go out. Open only annotates.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeImport)
		if err != nil {
			return err
		}
		defer env.Close()

		detail, _ := cmd.Flags().GetString("detail")
		lead, _, err := applySignal(ctx, env.Store, args[0], args[1], detail)
		if err != nil {
			return err
		}
		return writeJSON(os.Stdout, lead)
	},
}

func importFromNotion(ctx context.Context, st store.RecordStore) error {
	if cfg.Notion.Token == "" || cfg.Notion.LeadDB == "" {
		return eris.New("notion.token and notion.lead_db are required for --notion (NURTURE_NOTION_TOKEN, NURTURE_NOTION_LEAD_DB)")
	}
	db := notion.NewLeadDB(
		notion.NewClient(cfg.Notion.Token, notion.WithRateLimit(cfg.Notion.RateLimit)),
		cfg.Notion.LeadDB, cfg.Notion.StatusProperty,
	)

	res, err := importer.FromNotion(ctx, db, cfg.Notion.ReadyStatus)
	if err != nil {
		return err
	}
	if _, err := insertImported(ctx, st, res, "notion:"+db.ID()); err != nil {
		return err
	}

	if cfg.Notion.ImportedStatus == "" || len(res.PageIDs) == 0 {
		return nil
	}
	marked, err := importer.MarkImported(ctx, db, res.PageIDs, cfg.Notion.ImportedStatus)
	zap.L().Info("notion pages marked imported",
		zap.Int("marked", marked),
		zap.String("status", cfg.Notion.ImportedStatus),
	)
	return err
}

// insertImported writes an import result to the store and logs the counts.
func insertImported(ctx context.Context, st store.RecordStore, res *importer.Result, source string) (int, error) {
	inserted, err := st.InsertLeads(ctx, res.Leads)
	if err != nil {
		return 0, eris.Wrap(err, "insert leads")
	}
	zap.L().Info("import complete",
		zap.String("source", source),
		zap.Int("read", len(res.Leads)),
		zap.Int("inserted", inserted),
		zap.Int("already_present", len(res.Leads)-inserted),
		zap.Int("skipped_no_email", res.Skipped),
		zap.Int("duplicates", res.Duplicates),
	)
	return inserted, nil
}

// applySignal folds a detector signal into a stored lead. It reports whether
// the lead changed.
func applySignal(ctx context.Context, st store.RecordStore, id, signal, detail string) (*model.Lead, bool, error) {
	sig, err := lifecycle.ParseSignal(signal)
	if err != nil {
		return nil, false, err
	}

	lead, err := st.GetLead(ctx, id)
	if err != nil {
		return nil, false, eris.Wrapf(err, "signal: get lead %s", id)
	}

	changed, err := lifecycle.ApplySignal(lead, sig, detail)
	if err != nil {
		return lead, false, eris.Wrapf(err, "signal: lead %s", id)
	}
	if !changed {
		return lead, false, nil
	}

	if err := st.UpdateLead(ctx, id, model.LeadUpdate{
		Info:   model.StringPtr(lead.Info),
		Status: model.StatusPtr(lead.Status),
	}); err != nil {
		return lead, false, eris.Wrapf(err, "signal: update lead %s", id)
	}
	zap.L().Info("lead signal recorded",
		zap.String("lead_id", id),
		zap.Stringer("signal", sig),
		zap.String("status", string(lead.Status)),
	)
	return lead, true, nil
}

// formatLeadsList writes a tabular list of leads to out.
func formatLeadsList(out io.Writer, leads []model.Lead) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tEMAIL\tSTATUS\tSENT\tNEXT SLOT\tINFO")
	for _, l := range leads {
		status := string(l.Status)
		if status == "" {
			status = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			shortID(l.ID), l.Email, status, l.SentCount(), model.MailCount, nextSlot(l), truncate(l.Info, 60))
	}
	_ = w.Flush()
}

// nextSlot is the first unsent slot, or "-".
func nextSlot(l model.Lead) string {
	for i := 1; i <= model.MailCount; i++ {
		if l.IsSent(i) {
			continue
		}
		if s := l.Slot(i); s != nil {
			return s.UTC().Format("2006-01-02 15:04")
		}
		return "-"
	}
	return "-"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func init() {
	leadsListCmd.Flags().String("status", "", "filter by status (Processing, Running, Done; empty string for unclaimed)")
	leadsListCmd.Flags().Int("limit", 100, "max leads to print (0 for all)")
	leadsListCmd.Flags().Bool("json", false, "print JSON instead of a table")

	leadsImportCmd.Flags().Bool("notion", false, "import from the configured Notion lead database")
	leadsImportCmd.Flags().String("charset", "", "CSV charset, e.g. windows-1252 (default UTF-8)")
	leadsImportCmd.Flags().String("sheet", "", "XLSX sheet name (default first sheet)")

	leadsSignalCmd.Flags().String("detail", "", "text appended to the annotation")

	leadsCmd.AddCommand(leadsListCmd)
	leadsCmd.AddCommand(leadsShowCmd)
	leadsCmd.AddCommand(leadsImportCmd)
	leadsCmd.AddCommand(leadsSignalCmd)
	rootCmd.AddCommand(leadsCmd)
}
