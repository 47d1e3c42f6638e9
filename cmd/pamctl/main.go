// Command pamctl is a CLI client for a running PAM daemon: it talks to
// the control/health HTTP API and prints structured JSON by default (pipe
// through jq for human-readable formatting), or a table with -o table.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	serverURL    string
	outputFormat string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "pamctl",
		Short:   "pamctl - interact with a running Petal App Manager daemon",
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", getDefaultServer(), "PAM server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "json", "Output format: json, table")

	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newProxyCommand())
	rootCmd.AddCommand(newPetalCommand())
	rootCmd.AddCommand(newLogCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getDefaultServer() string {
	if server := os.Getenv("PAM_SERVER"); server != "" {
		return server
	}
	return "http://localhost:8080"
}

// --- HTTP client ---

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func newClient() *Client {
	return &Client{BaseURL: serverURL, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

func (c *Client) do(method, path string, params url.Values, data interface{}) ([]byte, error) {
	u := fmt.Sprintf("%s%s", c.BaseURL, path)
	if params != nil {
		u += "?" + params.Encode()
	}

	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal data: %w", err)
		}
		body = strings.NewReader(string(jsonData))
	}

	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

func (c *Client) get(path string) ([]byte, error)  { return c.do(http.MethodGet, path, nil, nil) }
func (c *Client) post(path string) ([]byte, error) { return c.do(http.MethodPost, path, nil, nil) }

// streamSSE reads an SSE stream and prints each event's data field.
func (c *Client) streamSSE(path string) error {
	u := fmt.Sprintf("%s%s", c.BaseURL, path)
	resp, err := c.HTTP.Get(u)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			fmt.Println(line[6:])
		}
	}
	return scanner.Err()
}

// --- output formatting ---

func outputJSON(data []byte) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Println(string(data))
		return
	}
	if outputFormat == "table" {
		if err := outputTable(v); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: table formatting failed (%v), falling back to JSON\n", err)
			outputFormatJSON(v)
		}
		return
	}
	outputFormatJSON(v)
}

func outputFormatJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func outputTable(v interface{}) error {
	arr, ok := v.([]interface{})
	if !ok {
		return outputTableObject(v)
	}
	if len(arr) == 0 {
		fmt.Println("(no results)")
		return nil
	}

	columnSet := make(map[string]bool)
	var columns []string
	for _, item := range arr {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		for key := range obj {
			if !columnSet[key] {
				columnSet[key] = true
				columns = append(columns, key)
			}
		}
	}
	if len(columns) == 0 {
		return fmt.Errorf("no columns found")
	}

	fmt.Print(columns[0])
	for _, col := range columns[1:] {
		fmt.Printf("\t%s", col)
	}
	fmt.Println()
	for i := 0; i < len(columns); i++ {
		if i > 0 {
			fmt.Print("\t")
		}
		fmt.Print("---")
	}
	fmt.Println()

	for _, item := range arr {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		fmt.Print(formatValue(obj[columns[0]]))
		for _, col := range columns[1:] {
			fmt.Printf("\t%s", formatValue(obj[col]))
		}
		fmt.Println()
	}
	return nil
}

func outputTableObject(v interface{}) error {
	obj, ok := v.(map[string]interface{})
	if !ok {
		fmt.Printf("%v\n", v)
		return nil
	}
	for key, val := range obj {
		fmt.Printf("%s:\t%s\n", key, formatValue(val))
	}
	return nil
}

func formatValue(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// --- commands ---

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the daemon's health snapshot (every proxy's status, every petal's load state)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.get("/health/snapshot")
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

func newProxyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Inspect and control PAM's proxies",
	}
	cmd.AddCommand(newProxyListCommand())
	cmd.AddCommand(newProxyActionCommand("enable"))
	cmd.AddCommand(newProxyActionCommand("disable"))
	cmd.AddCommand(newProxyActionCommand("restart"))
	return cmd
}

func newProxyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every registered proxy and its status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.get("/api/petal-proxies-control")
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

func newProxyActionCommand(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <name>",
		Short: fmt.Sprintf("%s the named proxy", strings.Title(action)),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.post(fmt.Sprintf("/api/petal-proxies-control/%s/%s", args[0], action))
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

func newPetalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "petal",
		Short: "Inspect loaded petals",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every loaded or failed petal",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.get("/api/petals")
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	})
	return cmd
}

func newLogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "View and stream the daemon's logs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stream",
		Short: "Stream logs as they are written (SSE)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			return client.streamSSE("/health/stream")
		},
	})
	return cmd
}
