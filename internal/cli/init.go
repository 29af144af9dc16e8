package cli

import (
	"fmt"
	"os"

	"github.com/kagan-dev/kagan/internal/config"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize kagan in the current directory",
	Long:  "Creates a .kagan/ directory with default config and database.",
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	worktreesDir := kaganPath("worktrees")

	if _, err := os.Stat(kaganDirName); err == nil {
		return fmt.Errorf("kagan already initialized in this directory (.kagan/ exists)")
	}

	if err := os.MkdirAll(worktreesDir, 0755); err != nil {
		return fmt.Errorf("create .kagan/worktrees: %w", err)
	}

	cfgPath := kaganPath("config.yaml")
	cfg := config.DefaultConfig()
	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	dbPath := kaganPath("kagan.db")
	st, err := openStore(dbPath)
	if err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	st.Close()

	fmt.Println("Initialized kagan in .kagan/")
	fmt.Println("")
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit .kagan/config.yaml to add your agent backends")
	fmt.Println("  2. Run: kagan task create \"your task description\"")
	fmt.Println("  3. Run: kagan start <task-id>")
	fmt.Println("  4. Run: kagan board")

	return nil
}
