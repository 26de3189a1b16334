package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/advisor/internal/api"
	"github.com/kalambet/advisor/internal/config"
	"github.com/kalambet/advisor/internal/query"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the running server a question",
	Long: `Ask the running server a question.

Examples:
  advisor ask "When should I plant teff?"
  advisor ask --k 5 "What fertilizer suits maize?"
  advisor ask --json "ጤፍ መቼ ይዘራል?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, _ := cmd.Flags().GetInt("k")
		translate, _ := cmd.Flags().GetBool("translate")
		asJSON, _ := cmd.Flags().GetBool("json")

		question := strings.TrimSpace(strings.Join(args, " "))
		if question == "" {
			return errors.New("question must not be empty")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		answer, err := client.ask(cmd.Context(), askRequest{
			Question:       question,
			K:              query.ClampLimit(k),
			TranslateLocal: translate,
		})
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(answer)
		}
		printAnswer(os.Stdout, answer)
		if answer.Backend == query.BackendRemoteOffline {
			printWarning("The answer will be fetched when the remote service is back. Run 'advisor flush' to retry now.")
		}
		return nil
	},
}

func init() {
	askCmd.Flags().Int("k", query.DefaultLimit, "number of sources to retrieve (1-10)")
	askCmd.Flags().Bool("translate", false, "translate the answer back into the question's language")
	askCmd.Flags().Bool("json", false, "print the raw JSON response")
}

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback <question_id> <rating>",
	Short: "Rate an answer from 1 to 5",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rating, err := strconv.Atoi(args[1])
		if err != nil || rating < 1 || rating > 5 {
			return fmt.Errorf("rating must be a number from 1 to 5, got %q", args[1])
		}
		comment, _ := cmd.Flags().GetString("comment")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/feedback", map[string]any{
			"question_id": args[0],
			"rating":      rating,
			"comment":     comment,
		})
		if err != nil {
			return err
		}
		var ack struct {
			Message    string `json:"message"`
			QuestionID string `json:"question_id"`
		}
		if err := decodeJSON(resp, &ack); err != nil {
			return err
		}

		printSuccess("%s (%s)", ack.Message, ack.QuestionID)
		return nil
	},
}

func init() {
	feedbackCmd.Flags().String("comment", "", "optional comment")
}

// --- flush ---

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Replay questions queued while the remote service was offline",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/debug/flush_queue", nil)
		if err != nil {
			return err
		}
		var result struct {
			OK  bool   `json:"ok"`
			Msg string `json:"msg"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if !result.OK {
			printWarning("%s", result.Msg)
			return nil
		}
		printSuccess("%s", result.Msg)
		return nil
	},
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the advisor tools over MCP (stdio)",
	Long: `Serve the advisor tools over the Model Context Protocol on stdin/stdout.

The process answers questions itself, sharing the cache and offline queue
with a running 'advisor start' through the same data directory. Logs go to
stderr so they never corrupt the protocol stream.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP(cmd)
	},
}

func runMCP(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	a.runBackground(gctx, g)

	g.Go(func() error {
		stdio := server.NewStdioServer(api.NewMCPServer(a.orch, version))
		if err := stdio.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		// stdin closed: stop the flusher too.
		return errStdioClosed
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errStdioClosed) {
		return err
	}
	return nil
}

var errStdioClosed = errors.New("stdio closed")

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, "($"+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value in the config file.\n\nValid keys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
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
