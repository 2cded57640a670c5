package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "xlcopilot",
	Short: "Edit Excel workbooks with natural-language prompts",
	Long: `xlcopilot uploads Excel workbooks to the spreadsheet backend, turns prompts
into pandas code, previews and runs that code, and downloads the result.

Examples:
  xlcopilot upload ./sales.xlsx
  xlcopilot analyze Filter rows where status is Active
  xlcopilot preview
  xlcopilot execute
  xlcopilot download --dir ./out`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if os.Getenv("NO_COLOR") != "" || !stderrIsTerminal() {
			noColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(executeCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(revertCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(themeCmd)
	rootCmd.AddCommand(suggestCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
