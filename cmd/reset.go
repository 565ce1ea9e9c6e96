package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/andresmejia3/reframer/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB      bool
	resetStorage bool
	resetOutput  bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Database, Analyses, Reframed Videos)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetStorage && !resetOutput {
			resetDB = true
			resetStorage = true
			resetOutput = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if DB == nil {
				fmt.Println("ℹ️  No database configured, skipping.")
			} else if confirm(reader, "⚠️  Are you sure you want to DROP all database tables?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.ShowError("Failed to reset database", err, nil)
					return
				}
			}
		}

		if resetStorage {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete all analyses in %s?", Cfg.StorageDir)) {
				fmt.Println("🗑️  Clearing Analyses (Documents, Saliency Maps)...")
				removeDir(Cfg.StorageDir)
			}
		}

		if resetOutput {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete all reframed videos in %s?", Cfg.OutputDir)) {
				fmt.Println("🗑️  Clearing Output Videos...")
				removeDir(Cfg.OutputDir)
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "database", false, "Clear PostgreSQL database")
	resetCmd.Flags().BoolVar(&resetStorage, "storage", false, "Clear stored analyses and saliency maps")
	resetCmd.Flags().BoolVar(&resetOutput, "output", false, "Clear reframed videos")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
