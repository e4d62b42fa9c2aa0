package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// adminSubcommands are dispatched before flag.Parse runs: an args[0]
// switch ahead of the daemon flags. These verbs talk to an already-running
// daemon's dashboard API over HTTP rather than operating on local state
// directly.
var adminSubcommands = map[string]bool{
	"task":     true,
	"tasks":    true,
	"pipeline": true,
	"version":  true,
}

func isAdminSubcommand(arg string) bool {
	return adminSubcommands[strings.ToLower(strings.TrimSpace(arg))]
}

func runAdminCommand(args []string) int {
	root := newAdminRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func newAdminRootCmd() *cobra.Command {
	var baseURL string

	root := &cobra.Command{Use: "borg", SilenceUsage: true}
	root.PersistentFlags().StringVar(&baseURL, "url", "http://localhost:3131", "base URL of a running borg dashboard")

	taskCmd := &cobra.Command{Use: "task", Short: "manage pipeline tasks"}
	taskCmd.AddCommand(&cobra.Command{
		Use:   "create <title> [description]",
		Short: "create a pipeline task via POST /api/tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc := ""
			if len(args) > 1 {
				desc = strings.Join(args[1:], " ")
			}
			body, err := json.Marshal(map[string]any{"title": args[0], "description": desc})
			if err != nil {
				return err
			}
			return postJSON(baseURL+"/api/tasks", body)
		},
	})

	root.AddCommand(taskCmd)

	root.AddCommand(&cobra.Command{
		Use:   "tasks",
		Short: "list active pipeline tasks via GET /api/tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(baseURL + "/api/tasks")
		},
	})

	pipelineCmd := &cobra.Command{Use: "pipeline", Short: "pipeline admin verbs"}
	pipelineCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "show pipeline/integration status via GET /api/status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(baseURL + "/api/status")
		},
	})
	pipelineCmd.AddCommand(&cobra.Command{
		Use:   "release",
		Short: "trigger an immediate release via POST /api/release",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON(baseURL+"/api/release", nil)
		},
	})
	root.AddCommand(pipelineCmd)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the borg binary version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	})

	return root
}

func getJSON(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func postJSON(url string, body []byte) error {
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("http %s: %s", strconv.Itoa(resp.StatusCode), strings.TrimSpace(string(b)))
	}
	fmt.Println(strings.TrimSpace(string(b)))
	return nil
}
