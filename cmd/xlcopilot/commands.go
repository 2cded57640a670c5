package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kalambet/xlcopilot/internal/config"
	"github.com/kalambet/xlcopilot/internal/gateway"
	"github.com/kalambet/xlcopilot/internal/orchestrator"
	"github.com/kalambet/xlcopilot/internal/state"
)

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Show or reset the backend session",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current session, creating one if needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.ensureSession(ctx); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			sess := a.store.Session()
			fmt.Fprintf(out, "%s %s\n", colorize(colorBold, "Session:"), sess.ID)
			if !sess.CreatedAt.IsZero() {
				fmt.Fprintf(out, "%s %s\n", colorize(colorBold, "Created:"), humanize.Time(sess.CreatedAt))
			}
			fmt.Fprintf(out, "%s %d\n", colorize(colorBold, "Files:"), len(sess.FileIDs))
			if f := a.store.CurrentFile(); f != nil {
				fmt.Fprintln(out, colorize(colorBold, "Current file:"))
				renderFile(out, *f)
			}
			return nil
		})
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget the cached session; the next command starts a new one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.sessions.Clear(); err != nil {
				return err
			}
			printSuccess("Session cleared")
			return nil
		})
	},
}

var sessionFilesCmd = &cobra.Command{
	Use:   "files",
	Short: "List files the backend holds for this session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.ensureSession(ctx); err != nil {
				return err
			}
			files, err := a.orch.ListFiles(ctx, "")
			if err != nil {
				return fmt.Errorf("%s", orchestrator.Message(err))
			}
			renderSessionFiles(cmd.OutOrStdout(), files)
			return nil
		})
	},
}

func init() {
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionClearCmd)
	sessionCmd.AddCommand(sessionFilesCmd)
}

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <path>",
	Short: "Upload a workbook and make it the current file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if !orchestrator.IsSpreadsheet(path, "") {
			return fmt.Errorf("%s", orchestrator.InvalidFileTypeMessage)
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			fh, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("opening %s: %w", path, err)
			}
			defer fh.Close()

			if err := a.ensureSession(ctx); err != nil {
				return err
			}

			last := -1
			unsubscribe := a.store.Subscribe(func(kind state.EventKind) {
				if kind != state.EventProgress || noColor {
					return
				}
				if p := a.store.UploadProgress(); p != last {
					last = p
					fmt.Fprintf(notices, "\r  uploading %3d%%", p)
				}
			})
			f, err := a.orch.Upload(ctx, orchestrator.UploadInput{
				File: gateway.UploadFile{
					Name:        filepath.Base(path),
					ContentType: orchestrator.ContentTypeFor(path),
					Data:        fh,
				},
			})
			unsubscribe()
			if last >= 0 {
				fmt.Fprintln(notices)
			}
			if err != nil {
				return fmt.Errorf("%s", orchestrator.Message(err))
			}

			printSuccess("Uploaded %s", f.Filename)
			renderFile(cmd.OutOrStdout(), f)
			return nil
		})
	},
}

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze <prompt...>",
	Short: "Turn a prompt into code for the current file",
	Long: `Turn a natural-language prompt into pandas code for the current file.

The generated code is remembered, so "preview" and "execute" can run it
without --code.

Examples:
  xlcopilot analyze Filter rows where status is Active
  xlcopilot analyze --sheet Q3 Sum sales by region`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fileID, _ := cmd.Flags().GetString("file")
		sheet, _ := cmd.Flags().GetString("sheet")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.ensureSession(ctx); err != nil {
				return err
			}
			printStep("Analyzing...")
			resp, err := a.orch.Analyze(ctx, orchestrator.AnalyzeInput{
				FileID:    fileID,
				Prompt:    strings.Join(args, " "),
				SheetName: sheet,
			})
			if err != nil {
				return fmt.Errorf("%s", orchestrator.Message(err))
			}
			renderAnalysis(cmd.OutOrStdout(), resp)
			return nil
		})
	},
}

func init() {
	analyzeCmd.Flags().String("file", "", "file id (default: current file)")
	analyzeCmd.Flags().String("sheet", "", "sheet name (default: first sheet)")
}

// --- preview / execute ---

func runCodeCommand(execute bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		fileID, _ := cmd.Flags().GetString("file")
		code, _ := cmd.Flags().GetString("code")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			if strings.TrimSpace(code) == "" {
				code = a.orch.LatestCode(fileID)
			}
			if err := a.ensureSession(ctx); err != nil {
				return err
			}

			in := orchestrator.ExecuteInput{FileID: fileID, Code: code}
			var (
				resp gateway.ExecutionResponse
				err  error
			)
			if execute {
				printStep("Executing...")
				resp, err = a.orch.Execute(ctx, in)
			} else {
				printStep("Previewing...")
				resp, err = a.orch.Preview(ctx, in)
			}
			if err != nil {
				return fmt.Errorf("%s", orchestrator.Message(err))
			}

			renderExecution(cmd.OutOrStdout(), resp)
			if execute {
				printSuccess("Changes applied; run \"xlcopilot download\" to fetch the modified file")
			}
			return nil
		})
	}
}

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Dry-run code and show rows before and after",
	RunE:  runCodeCommand(false),
}

var executeCmd = &cobra.Command{
	Use:   "execute",
	Short: "Run code and keep the result as the modified file",
	RunE:  runCodeCommand(true),
}

func init() {
	for _, c := range []*cobra.Command{previewCmd, executeCmd} {
		c.Flags().String("code", "", "code to run (default: code from the latest analyze)")
		c.Flags().String("file", "", "file id (default: current file)")
	}
}

// --- download / revert ---

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Save the original or modified version of a file",
	RunE: func(cmd *cobra.Command, args []string) error {
		fileID, _ := cmd.Flags().GetString("file")
		version, _ := cmd.Flags().GetString("version")
		dir, _ := cmd.Flags().GetString("dir")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.ensureSession(ctx); err != nil {
				return err
			}
			rec, err := a.orch.SaveDownload(ctx, "", fileID, gateway.Version(version), dir)
			if err != nil {
				return fmt.Errorf("%s", orchestrator.Message(err))
			}
			printSuccess("Saved %s (%s)", rec.Path, humanize.Bytes(uint64(rec.SizeBytes)))
			return nil
		})
	},
}

var downloadListCmd = &cobra.Command{
	Use:   "list",
	Short: "List files saved by previous downloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			downloads, err := a.db.ListDownloads(limit)
			if err != nil {
				return err
			}
			if len(downloads) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No downloads yet.")
				return nil
			}
			for _, d := range downloads {
				fmt.Fprintf(cmd.OutOrStdout(), "%-9s %8s  %s  %s\n",
					d.Version, humanize.Bytes(uint64(d.SizeBytes)), d.Path, colorize(colorDim, humanize.Time(d.CreatedAt)))
			}
			return nil
		})
	},
}

func init() {
	downloadListCmd.Flags().Int("limit", 20, "maximum number of downloads to list")
	downloadCmd.AddCommand(downloadListCmd)

	downloadCmd.Flags().String("file", "", "file id (default: current file)")
	downloadCmd.Flags().String("version", string(gateway.VersionModified), "original or modified")
	downloadCmd.Flags().String("dir", ".", "target directory")
}

var revertCmd = &cobra.Command{
	Use:   "revert",
	Short: "Discard the modified version of a file",
	RunE: func(cmd *cobra.Command, args []string) error {
		fileID, _ := cmd.Flags().GetString("file")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.ensureSession(ctx); err != nil {
				return err
			}
			if err := a.orch.Revert(ctx, "", fileID); err != nil {
				return fmt.Errorf("%s", orchestrator.Message(err))
			}
			printSuccess("Reverted to the original file")
			return nil
		})
	},
}

func init() {
	revertCmd.Flags().String("file", "", "file id (default: current file)")
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent operations, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			ops := a.store.Operations()
			if limit > 0 && len(ops) > limit {
				ops = ops[:limit]
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(ops)
			}
			renderHistory(cmd.OutOrStdout(), ops, time.Now())
			return nil
		})
	},
}

func init() {
	historyCmd.Flags().Int("limit", 10, "maximum number of operations to show")
	historyCmd.Flags().Bool("json", false, "print operations as JSON")
}

// --- theme ---

var themeCmd = &cobra.Command{
	Use:       "theme [dark|light|toggle]",
	Short:     "Show or change the UI theme",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"dark", "light", "toggle"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if len(args) == 1 {
				switch args[0] {
				case "dark":
					a.store.SetDarkMode(true)
				case "light":
					a.store.SetDarkMode(false)
				case "toggle":
					a.store.ToggleDarkMode()
				}
			}
			theme := "light"
			if a.store.DarkMode() {
				theme = "dark"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Theme: %s\n", theme)
			return nil
		})
	},
}

// --- suggest ---

var suggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "List example prompts",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, s := range orchestrator.Suggestions() {
			fmt.Fprintf(cmd.OutOrStdout(), "  • %s\n", s)
		}
		return nil
	},
}

// --- health ---

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the spreadsheet backend is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			h, err := a.orch.Health(ctx)
			if err != nil {
				printStatus("Backend", "unreachable at %s", a.gw.BaseURL())
				return fmt.Errorf("%s", orchestrator.Message(err))
			}
			printStatus("Backend", "%s at %s", h.Status, a.gw.BaseURL())
			if h.Version != "" {
				printStatus("Version", "%s", h.Version)
			}
			if h.Message != "" {
				printStatus("Message", "%s", h.Message)
			}
			return nil
		})
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			source := "$" + k.EnvVar
			if k.FromEnv {
				source = "set by $" + k.EnvVar
			}
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, "("+source+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value.\n\nValid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
