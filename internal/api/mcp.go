package api

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/xlcopilot/internal/gateway"
	"github.com/kalambet/xlcopilot/internal/orchestrator"
	"github.com/kalambet/xlcopilot/internal/state"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Orchestrator *orchestrator.Orchestrator
	Sessions     Sessions
	Store        *state.Store
	DownloadDir  string // default target directory for the download tool
}

// NewMCPServer creates an MCP server exposing the spreadsheet workflow as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"xlcopilot",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("xlcopilot edits Excel workbooks from natural-language prompts. "+
			"Upload a workbook, analyze a prompt to get code, preview it, then execute and download."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("upload_file",
			mcp.WithDescription("Upload a local .xlsx or .xls workbook and make it the current file."),
			mcp.WithString("path", mcp.Description("Path to the workbook on disk"), mcp.Required()),
		),
		mcpUpload(deps),
	)

	s.AddTool(
		mcp.NewTool("analyze",
			mcp.WithDescription("Turn a natural-language instruction into pandas code for the current workbook."),
			mcp.WithString("prompt", mcp.Description("What to do with the data, e.g. \"Filter rows where status is Active\""), mcp.Required()),
			mcp.WithString("file_id", mcp.Description("Target file (default: current file)")),
			mcp.WithString("sheet_name", mcp.Description("Sheet to operate on (default: first sheet)")),
		),
		mcpAnalyze(deps),
	)

	s.AddTool(
		mcp.NewTool("preview",
			mcp.WithDescription("Dry-run code against a workbook and return before/after samples."),
			mcp.WithString("code", mcp.Description("Code to run (default: code from the latest analysis)")),
			mcp.WithString("file_id", mcp.Description("Target file (default: current file)")),
		),
		mcpRun(deps, false),
	)

	s.AddTool(
		mcp.NewTool("execute",
			mcp.WithDescription("Run code against a workbook and keep the result as its modified version."),
			mcp.WithString("code", mcp.Description("Code to run (default: code from the latest analysis)")),
			mcp.WithString("file_id", mcp.Description("Target file (default: current file)")),
		),
		mcpRun(deps, true),
	)

	s.AddTool(
		mcp.NewTool("download",
			mcp.WithDescription("Save the original or modified version of a workbook to disk."),
			mcp.WithString("file_id", mcp.Description("File to download (default: current file)")),
			mcp.WithString("version", mcp.Description("original or modified (default: modified)")),
			mcp.WithString("dir", mcp.Description("Target directory")),
		),
		mcpDownload(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"xlcopilot://state",
			"Client State",
			mcp.WithResourceDescription("Current session, file, flags and operation history as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceJSON(func() any { return deps.Store.View() }),
	)

	s.AddResource(
		mcp.NewResource(
			"xlcopilot://history",
			"Operation History",
			mcp.WithResourceDescription("Recent operations, newest first"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceJSON(func() any { return deps.Store.Operations() }),
	)

	return s
}

// ensureSession bootstraps a session before tools that need one.
func ensureSession(ctx context.Context, deps MCPDeps) error {
	if deps.Store.SessionID() != "" {
		return nil
	}
	if _, err := deps.Sessions.Bootstrap(ctx); err != nil {
		return fmt.Errorf("no session: %s", deps.Store.Error())
	}
	return nil
}

func mcpUpload(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcpError("path is required"), nil
		}
		if !orchestrator.IsSpreadsheet(path, "") {
			return mcpError(orchestrator.InvalidFileTypeMessage), nil
		}
		if err := ensureSession(ctx, deps); err != nil {
			return mcpError(err.Error()), nil
		}

		fh, err := os.Open(path)
		if err != nil {
			return mcpError(fmt.Sprintf("cannot open %s: %v", path, err)), nil
		}
		defer fh.Close()

		f, err := deps.Orchestrator.Upload(ctx, orchestrator.UploadInput{
			File: gateway.UploadFile{
				Name:        filepath.Base(path),
				ContentType: orchestrator.ContentTypeFor(path),
				Data:        fh,
			},
		})
		if err != nil {
			return mcpError(orchestrator.Message(err)), nil
		}
		return mcpJSON(f)
	}
}

func mcpAnalyze(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}

		resp, err := deps.Orchestrator.Analyze(ctx, orchestrator.AnalyzeInput{
			FileID:    req.GetString("file_id", ""),
			Prompt:    prompt,
			SheetName: req.GetString("sheet_name", ""),
		})
		if err != nil {
			return mcpError(orchestrator.Message(err)), nil
		}
		return mcpJSON(resp)
	}
}

func mcpRun(deps MCPDeps, execute bool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		fileID := req.GetString("file_id", "")
		code := req.GetString("code", "")
		if code == "" {
			code = deps.Orchestrator.LatestCode(fileID)
		}
		in := orchestrator.ExecuteInput{FileID: fileID, Code: code}

		var (
			resp gateway.ExecutionResponse
			err  error
		)
		if execute {
			resp, err = deps.Orchestrator.Execute(ctx, in)
		} else {
			resp, err = deps.Orchestrator.Preview(ctx, in)
		}
		if err != nil {
			return mcpError(orchestrator.Message(err)), nil
		}
		return mcpJSON(resp)
	}
}

func mcpDownload(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dir := req.GetString("dir", deps.DownloadDir)
		if dir == "" {
			dir = "."
		}
		version := gateway.Version(req.GetString("version", string(gateway.VersionModified)))

		rec, err := deps.Orchestrator.SaveDownload(ctx, "", req.GetString("file_id", ""), version, dir)
		if err != nil {
			return mcpError(orchestrator.Message(err)), nil
		}
		return mcpText(fmt.Sprintf("Saved %s (%s) to %s", rec.Filename, humanize.Bytes(uint64(rec.SizeBytes)), rec.Path)), nil
	}
}

func mcpResourceJSON(load func() any) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(load())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", req.Params.URI, err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
