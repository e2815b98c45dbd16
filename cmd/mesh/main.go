// mesh is the operator CLI for the orchestrator: manage the agent catalog,
// preview remote cards, and send queries.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	token     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mesh",
	Short: "AgentMesh CLI",
	Long: `mesh is the command-line interface for an AgentMesh orchestrator.

It manages the agent catalog (register, approve, enable, delete), previews
remote agent cards, and sends queries through the routing pipeline.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		viper.SetEnvPrefix("mesh")
		viper.AutomaticEnv()
		if serverURL == "" {
			serverURL = viper.GetString("server")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if token == "" {
			token = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "orchestrator base URL (default http://localhost:8080, env MESH_SERVER)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token (env MESH_TOKEN)")

	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsRegisterCmd)
	agentsCmd.AddCommand(agentsApproveCmd)
	agentsCmd.AddCommand(agentsEnableCmd)
	agentsCmd.AddCommand(agentsDisableCmd)
	agentsCmd.AddCommand(agentsDeleteCmd)

	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(invokeCmd)
	rootCmd.AddCommand(versionCmd)
}

// ── HTTP helper ──────────────────────────────────────────────────────────────

func call(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 90 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s (%s)", apiErr.Message, apiErr.Error)
		}
		return fmt.Errorf("server returned HTTP %d", resp.StatusCode)
	}

	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

// ── agents ───────────────────────────────────────────────────────────────────

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage the agent catalog",
}

var (
	listEnabled bool
	listKind    string
	listStatus  string
	listTags    string
)

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		params := []string{}
		if listEnabled {
			params = append(params, "enabled=true")
		}
		if listKind != "" {
			params = append(params, "kind="+listKind)
		}
		if listStatus != "" {
			params = append(params, "status="+listStatus)
		}
		if listTags != "" {
			params = append(params, "tags="+listTags)
		}
		path := "/agents"
		if len(params) > 0 {
			path += "?" + strings.Join(params, "&")
		}

		var out struct {
			Agents []struct {
				Name        string   `json:"name"`
				Kind        string   `json:"kind"`
				Enabled     bool     `json:"enabled"`
				Status      string   `json:"status,omitempty"`
				Tags        []string `json:"tags,omitempty"`
				Description string   `json:"description"`
			} `json:"agents"`
		}
		if err := call(http.MethodGet, path, nil, &out); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tKIND\tENABLED\tSTATUS\tTAGS\tDESCRIPTION")
		for _, a := range out.Agents {
			status := a.Status
			if status == "" {
				status = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\n",
				a.Name, a.Kind, a.Enabled, status, strings.Join(a.Tags, ","), a.Description)
		}
		return w.Flush()
	},
}

var registerFile string

var agentsRegisterCmd = &cobra.Command{
	Use:   "register [card-url]",
	Short: "Register an agent",
	Long: `Register an agent with the catalog.

With a card URL argument, registers a remote agent (created pending until an
admin approves it). With --file, registers a local agent from a JSON
registration document.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if registerFile != "" {
			data, err := os.ReadFile(registerFile)
			if err != nil {
				return err
			}
			var req map[string]any
			if err := json.Unmarshal(data, &req); err != nil {
				return fmt.Errorf("parse %s: %w", registerFile, err)
			}
			var out map[string]any
			if err := call(http.MethodPost, "/agents", req, &out); err != nil {
				return err
			}
			fmt.Printf("registered local agent %v\n", out["name"])
			return nil
		}

		if len(args) != 1 {
			return fmt.Errorf("provide a card URL or --file")
		}
		var out struct {
			Status    string `json:"status"`
			AgentName string `json:"agent_name"`
		}
		if err := call(http.MethodPost, "/agents/remote", map[string]string{"agent_card_url": args[0]}, &out); err != nil {
			return err
		}
		fmt.Printf("registered remote agent %s (status: %s)\n", out.AgentName, out.Status)
		return nil
	},
}

func init() {
	agentsListCmd.Flags().BoolVar(&listEnabled, "enabled", false, "only dispatchable agents")
	agentsListCmd.Flags().StringVar(&listKind, "kind", "", "filter by kind (local|remote)")
	agentsListCmd.Flags().StringVar(&listStatus, "status", "", "filter by remote status")
	agentsListCmd.Flags().StringVar(&listTags, "tags", "", "comma-separated tag filter")
	agentsRegisterCmd.Flags().StringVar(&registerFile, "file", "", "local agent registration JSON")
}

func statusCommand(use, short, status string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(http.MethodPatch, "/agents/"+args[0]+"/status", map[string]string{"status": status}, nil); err != nil {
				return err
			}
			fmt.Printf("%s is now %s\n", args[0], status)
			return nil
		},
	}
}

var agentsApproveCmd = statusCommand("approve", "Approve a pending remote agent", "approved")

func enabledCommand(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(http.MethodPatch, "/agents/"+args[0]+"/enabled", map[string]bool{"enabled": enabled}, nil); err != nil {
				return err
			}
			fmt.Printf("%s enabled=%t\n", args[0], enabled)
			return nil
		},
	}
}

var (
	agentsEnableCmd  = enabledCommand("enable", "Enable an agent", true)
	agentsDisableCmd = enabledCommand("disable", "Disable an agent", false)
)

var agentsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call(http.MethodDelete, "/agents/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil
	},
}

// ── discover ─────────────────────────────────────────────────────────────────

var discoverCmd = &cobra.Command{
	Use:   "discover <card-url>",
	Short: "Preview a remote agent card without registering it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out json.RawMessage
		if err := call(http.MethodPost, "/agents/discover", map[string]string{"agent_card_url": args[0]}, &out); err != nil {
			return err
		}
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, out, "", "  "); err != nil {
			return err
		}
		fmt.Println(pretty.String())
		return nil
	},
}

// ── invoke ───────────────────────────────────────────────────────────────────

var invokeSession string

var invokeCmd = &cobra.Command{
	Use:   "invoke <query>",
	Short: "Send a query through the orchestrator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{"query": args[0]}
		if invokeSession != "" {
			body["session_id"] = invokeSession
		}
		var out struct {
			Response  string `json:"response"`
			SessionID string `json:"session_id"`
		}
		if err := call(http.MethodPost, "/invoke", body, &out); err != nil {
			return err
		}
		fmt.Println(out.Response)
		fmt.Fprintf(os.Stderr, "\nsession: %s\n", out.SessionID)
		return nil
	},
}

func init() {
	invokeCmd.Flags().StringVar(&invokeSession, "session", "", "resume an existing session")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("mesh", version)
	},
}
