package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"app-monitor/internal/monitor"
	"app-monitor/internal/results"
)

var (
	serverURL string
	apiKey    string
	timeout   string
	projectID string
)

func main() {
	root := &cobra.Command{
		Use:          "appmon",
		Short:        "CLI client for app-monitor",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("APPMON_API_KEY"), "API key")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the e2e suite and wait for the result",
		Args:  cobra.NoArgs,
		RunE:  runE2E,
	}
	runCmd.Flags().StringVar(&timeout, "timeout", "", "Run timeout (e.g. 10m), server default if empty")
	runCmd.Flags().StringVarP(&projectID, "project", "p", "", "Project ID")
	root.AddCommand(runCmd)

	streamCmd := &cobra.Command{
		Use:   "stream",
		Short: "Run the e2e suite and stream its output",
		Args:  cobra.NoArgs,
		RunE:  runStream,
	}
	streamCmd.Flags().StringVar(&timeout, "timeout", "", "Run timeout (e.g. 10m), server default if empty")
	streamCmd.Flags().StringVarP(&projectID, "project", "p", "", "Project ID")
	root.AddCommand(streamCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Args:  cobra.NoArgs,
		RunE:  runHealth,
	})

	root.AddCommand(&cobra.Command{
		Use:   "processes",
		Short: "List supervised runner processes",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return getAndPrint("/e2e/processes")
		},
	})

	root.AddCommand(projectsCommand())
	root.AddCommand(historyCommand())

	root.AddCommand(&cobra.Command{
		Use:   "parse [file]",
		Short: "Parse a saved runner log offline",
		Args:  cobra.ExactArgs(1),
		RunE:  runParse,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func projectsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "Manage monitored projects",
	}

	var activeOnly bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			path := "/projects"
			if activeOnly {
				path += "?active=true"
			}
			return getAndPrint(path)
		},
	}
	list.Flags().BoolVar(&activeOnly, "active", false, "Only active projects")
	cmd.AddCommand(list)

	var (
		baseURL string
		types   []string
	)
	create := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return sendAndPrint(http.MethodPost, "/projects", map[string]any{
				"name":             args[0],
				"base_url":         baseURL,
				"monitoring_types": types,
			})
		},
	}
	create.Flags().StringVar(&baseURL, "url", "", "Base URL")
	create.Flags().StringSliceVar(&types, "types", []string{"web"}, "Monitoring types (web, rest, wordpress, e2e)")
	_ = create.MarkFlagRequired("url")
	cmd.AddCommand(create)

	return cmd
}

func historyCommand() *cobra.Command {
	var (
		kind     string
		project  string
		page     int
		pageSize int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show health check and e2e history",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			q := url.Values{}
			if kind != "" {
				q.Set("type", kind)
			}
			if project != "" {
				q.Set("project_id", project)
			}
			q.Set("page", fmt.Sprint(page))
			q.Set("page_size", fmt.Sprint(pageSize))
			return getAndPrint("/history?" + q.Encode())
		},
	}
	cmd.Flags().StringVar(&kind, "type", "", "health_check or e2e")
	cmd.Flags().StringVarP(&project, "project", "p", "", "Project ID")
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "Page size")
	return cmd
}

func runPayload() map[string]any {
	payload := map[string]any{}
	if projectID != "" {
		payload["project_id"] = projectID
	}
	if timeout != "" {
		payload["timeout"] = timeout
	}
	return payload
}

func runE2E(_ *cobra.Command, _ []string) error {
	resp, err := do(http.MethodPost, "/e2e/run", runPayload(), 0)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("server returned %s: %s", resp.Status, env.Error)
	}

	var res results.RunResult
	if err := json.Unmarshal(env.Data, &res); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}
	fmt.Print(res.Output)
	fmt.Println(res.Summary())
	if !res.Success {
		os.Exit(1)
	}
	return nil
}

func runStream(_ *cobra.Command, _ []string) error {
	resp, err := do(http.MethodPost, "/e2e/run/stream", runPayload(), 0)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return printBody(resp)
	}

	var (
		event string
		data  []string
		final *results.RunResult
	)
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		case line == "":
			payload := strings.Join(data, "\n")
			switch event {
			case "output":
				fmt.Println(payload)
			case "start":
				fmt.Fprintf(os.Stderr, "started %s\n", payload)
			case "error":
				return fmt.Errorf("run failed: %s", payload)
			case "done":
				var res results.RunResult
				if err := json.Unmarshal([]byte(payload), &res); err != nil {
					return fmt.Errorf("decoding result: %w", err)
				}
				final = &res
			}
			event, data = "", nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	if final == nil {
		return fmt.Errorf("stream ended without a result")
	}

	fmt.Println(final.Summary())
	if !final.Success {
		os.Exit(1)
	}
	return nil
}

func runHealth(_ *cobra.Command, _ []string) error {
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	return printBody(resp)
}

func runParse(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	res := results.Parse(string(data), true, 0, nil)
	res.Output = ""

	out := struct {
		results.RunResult
		Causes []monitor.Cause `json:"causes,omitempty"`
	}{RunResult: res}
	if !res.Success {
		out.Causes = monitor.NewFailureClassifier().Classify(string(data))
	}

	formatted, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func getAndPrint(path string) error {
	resp, err := do(http.MethodGet, path, nil, 10*time.Second)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printBody(resp)
}

func sendAndPrint(method, path string, body any) error {
	resp, err := do(method, path, body, 30*time.Second)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printBody(resp)
}

// do sends an authenticated request. A zero clientTimeout waits as long as
// the server takes, which e2e runs need.
func do(method, path string, body any, clientTimeout time.Duration) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, serverURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: clientTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func printBody(resp *http.Response) error {
	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
