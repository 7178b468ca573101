package main

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/nurture-cli/internal/config"
	"github.com/sells-group/nurture-cli/internal/store"
)

var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Inspect or reset the schedule cursor",
}

var cursorShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored cursor and the slot the next lead would get",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeImport)
		if err != nil {
			return err
		}
		defer env.Close()

		view, err := loadCursorView(ctx, env.Store, time.Now())
		if err != nil {
			return err
		}
		return writeJSON(os.Stdout, view)
	},
}

var cursorResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the cursor so the next campaign starts from the next work hour",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeImport)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.ResetCursor(ctx); err != nil {
			return eris.Wrap(err, "cursor reset")
		}
		zap.L().Info("schedule cursor reset")
		return nil
	},
}

// cursorView is the cursor as reported to operators.
type cursorView struct {
	Slot     *time.Time `json:"current_slot"`
	Count    int        `json:"slot_count"`
	NextSlot time.Time  `json:"next_slot"`
	Timezone string     `json:"timezone"`
}

// loadCursorView reads the cursor and previews the next assignment without
// persisting it.
func loadCursorView(ctx context.Context, st store.CursorStore, now time.Time) (*cursorView, error) {
	cur, err := st.LoadCursor(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "load cursor")
	}
	assigner, err := newAssigner(st)
	if err != nil {
		return nil, err
	}
	calc := assigner.Calculator()
	next, _ := calc.AssignNextSlot(cur, now)

	view := &cursorView{Count: cur.Count, NextSlot: next, Timezone: calc.Location.String()}
	if !cur.IsZero() {
		slot := cur.Slot
		view.Slot = &slot
	}
	return view, nil
}

func init() {
	cursorCmd.AddCommand(cursorShowCmd)
	cursorCmd.AddCommand(cursorResetCmd)
	rootCmd.AddCommand(cursorCmd)
}
