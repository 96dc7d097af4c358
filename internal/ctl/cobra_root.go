package ctl

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ocrd/pkg/types"
)

// BuildRootCmd constructs the ocrdctl command tree.
func BuildRootCmd() *cobra.Command {
	var (
		server string
		apiKey string
	)
	root := &cobra.Command{
		Use:           "ocrdctl",
		Short:         "Operate a running ocrd daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&server, "server", envOr("OCRD_SERVER", "http://127.0.0.1:8000"), "Daemon base URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("OCRD_API_KEY"), "API key (defaults OCRD_API_KEY)")
	client := func() *Client { return NewClient(server, apiKey) }

	var (
		isOCR   bool
		formula bool
		table   bool
		zip     bool
		lang    string
		pages   string
	)
	submit := &cobra.Command{
		Use:   "submit <file-or-url>",
		Short: "Submit a document for conversion",
		Example: "  ocrdctl submit report.pdf\n" +
			"  ocrdctl submit https://example.com/report.pdf --ocr --pages 1-20",
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			src := args[0]
			var (
				created types.CreateTaskResponse
				err     error
			)
			if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
				created, err = client().SubmitURL(src, types.CreateTaskRequest{
					IsOCR:         &isOCR,
					EnableFormula: &formula,
					EnableTable:   &table,
					PackZip:       &zip,
					Language:      lang,
					PageRanges:    pages,
				})
			} else {
				created, err = client().SubmitFile(src, map[string]string{
					"is_ocr":         fmt.Sprint(isOCR),
					"enable_formula": fmt.Sprint(formula),
					"enable_table":   fmt.Sprint(table),
					"pack_zip":       fmt.Sprint(zip),
					"language":       lang,
					"page_ranges":    pages,
				})
			}
			if err != nil {
				return err
			}
			fmt.Println(created.TaskID)
			return nil
		},
	}
	submit.Flags().BoolVar(&isOCR, "ocr", false, "Force OCR instead of text extraction")
	submit.Flags().BoolVar(&formula, "formula", true, "Recognize formulas")
	submit.Flags().BoolVar(&table, "table", true, "Recognize tables")
	submit.Flags().BoolVar(&zip, "zip", true, "Bundle results into result.zip")
	submit.Flags().StringVar(&lang, "lang", "", "Document language hint")
	submit.Flags().StringVar(&pages, "pages", "", "Page selection like 1-20")

	status := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			prog, err := client().Progress(args[0])
			if err != nil {
				return err
			}
			return printJSON(prog)
		},
	}

	var waitTimeout time.Duration
	wait := &cobra.Command{
		Use:   "wait <task-id>",
		Short: "Block until a task reaches a terminal state",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			prog, err := client().Wait(args[0], waitTimeout, time.Second)
			if err != nil {
				return err
			}
			if err := printJSON(prog); err != nil {
				return err
			}
			if prog.Status != types.StatusSucceeded {
				return fmt.Errorf("task finished as %s", prog.Status)
			}
			return nil
		},
	}
	wait.Flags().DurationVar(&waitTimeout, "timeout", 10*time.Minute, "Give up after this long")

	var (
		kind string
		out  string
	)
	fetch := &cobra.Command{
		Use:   "fetch <task-id>",
		Short: "Download one result artifact via a fresh token",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			dst := out
			if dst == "" {
				dst = defaultArtifactName(kind)
			}
			if err := client().Fetch(args[0], kind, dst); err != nil {
				return err
			}
			fmt.Println(dst)
			return nil
		},
	}
	fetch.Flags().StringVar(&kind, "kind", "zip", "Artifact kind: md, json or zip")
	fetch.Flags().StringVar(&out, "out", "", "Output file (defaults to the artifact name)")

	del := &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task and its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return client().Delete(args[0])
		},
	}

	serverStatus := &cobra.Command{
		Use:   "server-status",
		Short: "Show daemon queue and engine status",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			st, err := client().ServerStatus()
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}

	root.AddCommand(submit, status, wait, fetch, del, serverStatus)
	return root
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func defaultArtifactName(kind string) string {
	switch kind {
	case "md":
		return "full.md"
	case "json":
		return "layout.json"
	default:
		return "result.zip"
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
