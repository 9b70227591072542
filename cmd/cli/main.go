package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"plugin-warden/internal/plugin"
)

var (
	serverURL string
	apiKey    string

	pluginName   string
	version      string
	kind         string
	riskLevel    string
	author       string
	descr        string
	entryPoint   string
	deps         []string
	perms        []string
	manifestPath string

	actor  string
	reason string

	statusFilter string
	pluginFilter string
)

func main() {
	root := &cobra.Command{
		Use:   "warden-cli",
		Short: "CLI client for plugin-warden",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("WARDEN_API_KEY"), "API key")

	// Submit a plugin artifact
	submitCmd := &cobra.Command{
		Use:   "submit [file]",
		Short: "Submit a plugin artifact for analysis and registration",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmit,
	}
	submitCmd.Flags().StringVar(&pluginName, "name", "", "Plugin name (default: file name without extension)")
	submitCmd.Flags().StringVar(&version, "version", "0.1.0", "Plugin version")
	submitCmd.Flags().StringVarP(&kind, "kind", "k", "", "Plugin kind (python, wasm, binary; auto-detected from extension)")
	submitCmd.Flags().StringVar(&riskLevel, "risk", "medium", "Declared risk level (low, medium, high, critical)")
	submitCmd.Flags().StringVar(&author, "author", "", "Plugin author")
	submitCmd.Flags().StringVar(&descr, "description", "", "Plugin description")
	submitCmd.Flags().StringVar(&entryPoint, "entry-point", "", "Entry point within the artifact")
	submitCmd.Flags().StringSliceVar(&deps, "depends", nil, "Declared dependencies")
	submitCmd.Flags().StringSliceVar(&perms, "permission", nil, "Requested permissions")
	submitCmd.Flags().StringVar(&manifestPath, "manifest", "", "Load metadata from a plugin.yaml manifest (overrides metadata flags)")
	root.AddCommand(submitCmd)

	// Validate without registering
	validateCmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Run static analysis on an artifact without registering it",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}
	validateCmd.Flags().StringVarP(&kind, "kind", "k", "", "Plugin kind (auto-detected from extension)")
	validateCmd.Flags().StringVar(&riskLevel, "risk", "medium", "Risk level to analyze against")
	root.AddCommand(validateCmd)

	// Lifecycle transitions
	transitions := []struct {
		op    string
		short string
	}{
		{"approve", "Approve a plugin for execution"},
		{"reject", "Reject a pending plugin"},
		{"suspend", "Suspend an approved plugin"},
	}
	for _, tr := range transitions {
		tr := tr
		cmd := &cobra.Command{
			Use:   tr.op + " [name] [version]",
			Short: tr.short,
			Args:  cobra.ExactArgs(2),
			RunE: func(_ *cobra.Command, args []string) error {
				return runTransition(tr.op, args[0], args[1])
			},
		}
		cmd.Flags().StringVar(&actor, "actor", "", "Operator recorded in the audit trail")
		root.AddCommand(cmd)
	}

	blacklistCmd := &cobra.Command{
		Use:   "blacklist [name] [version]",
		Short: "Permanently ban a plugin",
		Args:  cobra.ExactArgs(2),
		RunE:  runBlacklist,
	}
	blacklistCmd.Flags().StringVar(&actor, "actor", "", "Operator recorded in the audit trail")
	blacklistCmd.Flags().StringVar(&reason, "reason", "", "Reason for the ban (required)")
	root.AddCommand(blacklistCmd)

	// List registered plugins
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered plugins",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (pending, approved, rejected, suspended, blacklisted)")
	root.AddCommand(listCmd)

	// Execute an approved plugin
	execCmd := &cobra.Command{
		Use:   "exec [name] [version] [args...]",
		Short: "Execute an approved plugin in its sandbox",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runExec,
	}
	root.AddCommand(execCmd)

	// Execution history
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List recent executions (requires database)",
		RunE:  runHistory,
	}
	historyCmd.Flags().StringVar(&pluginFilter, "plugin", "", "Filter by plugin name")
	historyCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by outcome (succeeded, failed, timeout, error)")
	root.AddCommand(historyCmd)

	// Health check
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSubmit(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading artifact: %w", err)
	}

	if manifestPath != "" {
		meta, err := plugin.LoadManifest(manifestPath)
		if err != nil {
			return err
		}
		pluginName = meta.Name
		version = meta.Version
		kind = string(meta.Kind)
		riskLevel = string(meta.RiskLevel)
		author = meta.Author
		descr = meta.Description
		entryPoint = meta.EntryPoint
		deps = meta.Dependencies
		perms = meta.Permissions
	}
	if kind == "" {
		kind, err = kindFromExtension(args[0])
		if err != nil {
			return err
		}
	}
	if pluginName == "" {
		base := filepath.Base(args[0])
		pluginName = strings.TrimSuffix(base, filepath.Ext(base))
	}

	payload := map[string]any{
		"name":         pluginName,
		"version":      version,
		"kind":         kind,
		"author":       author,
		"description":  descr,
		"entry_point":  entryPoint,
		"dependencies": deps,
		"permissions":  perms,
		"risk_level":   riskLevel,
		"artifact":     base64.StdEncoding.EncodeToString(data),
	}

	resp, err := postJSON("/plugins", payload, 30*time.Second)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	result := printJSON(resp)
	if resp.StatusCode == http.StatusUnprocessableEntity {
		return fmt.Errorf("artifact rejected by static analysis")
	}
	if resp.StatusCode >= 400 {
		return apiError(resp, result)
	}
	return nil
}

func runValidate(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading artifact: %w", err)
	}

	if kind == "" {
		kind, err = kindFromExtension(args[0])
		if err != nil {
			return err
		}
	}

	payload := map[string]any{
		"kind":       kind,
		"risk_level": riskLevel,
		"artifact":   base64.StdEncoding.EncodeToString(data),
	}

	resp, err := postJSON("/validate", payload, 30*time.Second)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	result := printJSON(resp)
	if resp.StatusCode >= 400 {
		return apiError(resp, result)
	}

	// Non-zero exit when the artifact would be rejected, for CI use.
	if valid, ok := result["valid"].(bool); ok && !valid {
		os.Exit(1)
	}
	return nil
}

func runTransition(op, name, ver string) error {
	payload := map[string]any{"actor": actor}

	resp, err := postJSON(fmt.Sprintf("/plugins/%s/%s/%s", name, ver, op), payload, 10*time.Second)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	result := printJSON(resp)
	if resp.StatusCode >= 400 {
		return apiError(resp, result)
	}
	return nil
}

func runBlacklist(_ *cobra.Command, args []string) error {
	if reason == "" {
		return fmt.Errorf("a --reason is required to blacklist a plugin")
	}

	payload := map[string]any{"actor": actor, "reason": reason}

	resp, err := postJSON(fmt.Sprintf("/plugins/%s/%s/blacklist", args[0], args[1]), payload, 10*time.Second)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	result := printJSON(resp)
	if resp.StatusCode >= 400 {
		return apiError(resp, result)
	}
	return nil
}

func runList(_ *cobra.Command, _ []string) error {
	path := "/plugins"
	if statusFilter != "" {
		path += "?status=" + statusFilter
	}

	resp, err := getJSON(path, 10*time.Second)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	printJSONAny(resp)
	return nil
}

func runExec(_ *cobra.Command, args []string) error {
	payload := map[string]any{"args": args[2:]}

	// Executions can run as long as the server-side policy allows.
	resp, err := postJSON(fmt.Sprintf("/plugins/%s/%s/execute", args[0], args[1]), payload, 320*time.Second)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	result := printJSON(resp)
	if resp.StatusCode >= 400 {
		return apiError(resp, result)
	}

	// Exit with the plugin's exit code
	if exitCode, ok := result["exit_code"].(float64); ok && exitCode != 0 {
		os.Exit(int(exitCode))
	}
	return nil
}

func runHistory(_ *cobra.Command, _ []string) error {
	path := "/executions"
	var params []string
	if pluginFilter != "" {
		params = append(params, "plugin="+pluginFilter)
	}
	if statusFilter != "" {
		params = append(params, "status="+statusFilter)
	}
	if len(params) > 0 {
		path += "?" + strings.Join(params, "&")
	}

	resp, err := getJSON(path, 10*time.Second)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	printJSONAny(resp)
	return nil
}

func runHealth(_ *cobra.Command, _ []string) error {
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	printJSONAny(resp)
	return nil
}

func postJSON(path string, payload any, timeout time.Duration) (*http.Response, error) {
	body, _ := json.Marshal(payload)

	req, err := http.NewRequest("POST", serverURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func getJSON(path string, timeout time.Duration) (*http.Response, error) {
	req, err := http.NewRequest("GET", serverURL+path, nil)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// printJSON decodes an object response, pretty-prints it, and returns it
// so callers can pick out fields like exit_code.
func printJSON(resp *http.Response) map[string]any {
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return result
}

// printJSONAny handles endpoints that return arrays.
func printJSONAny(resp *http.Response) {
	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
}

func apiError(resp *http.Response, body map[string]any) error {
	if msg, ok := body["error"].(string); ok && msg != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}

func kindFromExtension(path string) (string, error) {
	switch ext := filepath.Ext(path); ext {
	case ".py":
		return "python", nil
	case ".wasm":
		return "wasm", nil
	default:
		return "", fmt.Errorf("cannot detect plugin kind for extension %q, use --kind", ext)
	}
}
