package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"kworkbot/internal/app"
	logx "kworkbot/pkg/logx"
)

var stateResetYes bool

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect or reset the stored watermark",
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the id of the last announced project",
	RunE:  stateShowAction,
}

var stateResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget the watermark; the next run starts from scratch",
	RunE:  stateResetAction,
}

func init() {
	stateResetCmd.Flags().BoolVar(&stateResetYes, "yes", false, "confirm the reset")
	stateCmd.AddCommand(stateShowCmd, stateResetCmd)
	rootCmd.AddCommand(stateCmd)
}

func stateShowAction(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := app.OpenStore(cfg, logx.NewConsole("warn"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	key := app.WatermarkKey(cfg)
	id, ok, err := st.LoadWatermark(cmd.Context(), key)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	if !ok {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: unset\n", key)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", key, id)
	return nil
}

func stateResetAction(cmd *cobra.Command, _ []string) error {
	if !stateResetYes {
		return errors.New("refusing to reset without --yes")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := app.OpenStore(cfg, logx.NewConsole("warn"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	key := app.WatermarkKey(cfg)
	if err := st.ResetWatermark(cmd.Context(), key); err != nil {
		return fmt.Errorf("reset watermark: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: reset\n", key)
	return nil
}
