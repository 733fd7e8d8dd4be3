package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/spf13/cobra"

	"github.com/threadproxy/threadproxy/pkg/config"
	"github.com/threadproxy/threadproxy/pkg/linker"
	"github.com/threadproxy/threadproxy/pkg/rebuild"
	"github.com/threadproxy/threadproxy/pkg/store"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "threadproxy",
		Short: "Conversation linking engine for stateless LLM API traffic",
		Long: strings.TrimSpace(`threadproxy reconstructs logical conversation structure from stateless
LLM API requests: parent/child chains, divergent branches, and sub-tasks
spawned by tool invocations, all content-addressed and replayable.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newLinkCommand())
	root.AddCommand(newRebuildCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "threadproxy.json"
	}
	return filepath.Join(home, ".threadproxy", "config.json")
}

func newLinkCommand() *cobra.Command {
	var (
		configPath   string
		domain       string
		requestPath  string
		responsePath string
		timestamp    string
		dryRun       bool
	)

	cmd := &cobra.Command{
		Use:   "link",
		Short: "Link one request payload and persist its record",
		Long: "Read a request payload (messages + system prompt) from a file or stdin, " +
			"resolve its conversation, branch and sub-task state, persist the record, " +
			"and print the link result as JSON.",
		Example: "  threadproxy link --domain example.com --request req.json --response resp.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}

			ts := time.Now()
			if timestamp != "" {
				ts, err = time.Parse(time.RFC3339, timestamp)
				if err != nil {
					return fmt.Errorf("parse --timestamp: %w", err)
				}
			}

			reqData, err := readInput(requestPath)
			if err != nil {
				return err
			}
			body, err := linker.ParseRequestBody(reqData)
			if err != nil {
				return fmt.Errorf("parse request payload: %w", err)
			}

			var respData []byte
			if responsePath != "" {
				respData, err = readInput(responsePath)
				if err != nil {
					return err
				}
			}

			st, err := store.New(cfg.StorePath())
			if err != nil {
				return err
			}
			defer st.Close()

			lk, err := linker.New(st.ParentLookup, st.TaskLookup, linkerConfig(cfg))
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			res, err := lk.Link(ctx, linker.Request{
				Domain:    domain,
				Messages:  body.Messages,
				System:    body.System,
				Timestamp: ts,
			})
			if err != nil {
				return err
			}

			if !dryRun {
				rec := store.Record{
					Domain:              domain,
					ConversationID:      res.ConversationID,
					BranchID:            res.BranchID,
					CurrentMessageHash:  res.Hashes.CurrentHash,
					ParentMessageHash:   res.Hashes.ParentHash,
					SystemHash:          res.Hashes.SystemHash,
					ParentTaskRequestID: res.ParentTaskRequestID,
					RequestBody:         string(reqData),
					ResponseBody:        string(respData),
					Timestamp:           ts,
				}
				if _, err := st.InsertRequest(ctx, rec); err != nil {
					return err
				}
			}

			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", defaultConfigPath(), "Config file path")
	cmd.Flags().StringVar(&domain, "domain", "", "Tenant domain scoping all lookups (required)")
	cmd.Flags().StringVar(&requestPath, "request", "-", "Request payload file, or - for stdin")
	cmd.Flags().StringVar(&responsePath, "response", "", "Upstream response payload file (optional)")
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "Authoritative request timestamp, RFC3339 (default: now)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Link without persisting the record")
	_ = cmd.MarkFlagRequired("domain")
	return cmd
}

func newRebuildCommand() *cobra.Command {
	var (
		configPath string
		afterID    string
		schedule   string
	)

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Re-derive conversation links for historical records",
		Long: "Walk the store in timestamp order and recompute conversation_id, " +
			"branch_id and parent_task_request_id for every record, overwriting " +
			"only those derived fields. Resumable with --after; repeatable on a " +
			"cron schedule with --schedule.",
		Example: "  threadproxy rebuild\n" +
			"  threadproxy rebuild --after 7f3c...\n" +
			"  threadproxy rebuild --schedule \"0 3 * * *\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if schedule == "" {
				schedule = cfg.Rebuild.Schedule
			}
			if schedule != "" && !gronx.New().IsValid(schedule) {
				return fmt.Errorf("invalid cron schedule %q", schedule)
			}

			st, err := store.New(cfg.StorePath())
			if err != nil {
				return err
			}
			defer st.Close()

			runner, err := rebuild.New(st, rebuild.Options{
				BatchSize: cfg.Rebuild.BatchSize,
				Linker:    linkerConfig(cfg),
			})
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			if schedule != "" {
				fmt.Printf("rebuilding on schedule %q, ctrl-c to stop\n", schedule)
				err := runner.Every(ctx, func(after time.Time) (time.Time, error) {
					return gronx.NextTickAfter(schedule, after, false)
				}, func(stats rebuild.Stats, err error) {
					if err != nil {
						fmt.Fprintf(os.Stderr, "rebuild pass failed: %v\n", err)
						return
					}
					printStats(stats)
				})
				if err == context.Canceled {
					return nil
				}
				return err
			}

			var stats rebuild.Stats
			if afterID != "" {
				stats, err = runner.RunAfter(ctx, afterID)
			} else {
				stats, err = runner.Run(ctx)
			}
			if err != nil {
				return err
			}
			printStats(stats)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", defaultConfigPath(), "Config file path")
	cmd.Flags().StringVar(&afterID, "after", "", "Resume after the record with this request ID")
	cmd.Flags().StringVar(&schedule, "schedule", "", "Cron expression for periodic rebuild passes")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show build/version metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}

func linkerConfig(cfg *config.Config) linker.Config {
	return linker.Config{
		SubtaskLookback:    cfg.SubtaskLookback(),
		SubtaskMatchWindow: cfg.SubtaskMatchWindow(),
		CacheSize:          cfg.Linker.ParentCacheSize,
		Warnf: func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, "warn: "+format+"\n", args...)
		},
	}
}

func printStats(stats rebuild.Stats) {
	fmt.Printf("processed %d records: %d updated, %d skipped\n", stats.Processed, stats.Updated, stats.Skipped)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return data, nil
}
