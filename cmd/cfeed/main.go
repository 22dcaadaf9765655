package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/mysoftskill/commandfeed/internal/cmd/daemon"
	"github.com/mysoftskill/commandfeed/internal/commands"
	cfgpkg "github.com/mysoftskill/commandfeed/internal/config"
	"github.com/mysoftskill/commandfeed/internal/runtime"
	logpkg "github.com/mysoftskill/commandfeed/pkg/log"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "cfeed",
		Short: "Command feed CLI",
		Long:  "cfeed manages the privacy command feed: the daemon, queue inspection, and flush operations.",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CFEED_CONFIG"), "Config file (.json or .toml)")

	daemonCmd := &cobra.Command{
		Use:     "daemon",
		Short:   "Run the command feed daemon",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			flushPartitions, _ := cmd.Flags().GetStringSlice("flush-partition")
			return daemon.Run(cmd.Context(), daemon.Options{
				Config:          cfg,
				FlushPartitions: flushPartitions,
				Logger:          logger,
			})
		},
	}
	daemonCmd.Flags().StringSlice("flush-partition", nil, "Queue partition this instance offers to flush (repeatable)")
	addOverrideFlags(daemonCmd)
	rootCmd.AddCommand(daemonCmd)

	queueCmd := &cobra.Command{Use: "queue", Short: "Queue operations"}

	statsCmd := &cobra.Command{
		Use:   "stats <agent-id> <asset-group-id>",
		Short: "Show queue depth for one partition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			pk, err := parsePartition(args[0], args[1])
			if err != nil {
				return err
			}
			rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: logger})
			if err != nil {
				return err
			}
			defer rt.Close()
			return printStats(cmd.Context(), rt, pk)
		},
	}
	addOverrideFlags(statsCmd)
	queueCmd.AddCommand(statsCmd)

	flushCmd := &cobra.Command{
		Use:   "flush <agent-id> <asset-group-id>",
		Short: "Delete commands in a partition older than --before",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			pk, err := parsePartition(args[0], args[1])
			if err != nil {
				return err
			}
			beforeArg, _ := cmd.Flags().GetString("before")
			before, err := time.Parse(time.RFC3339, beforeArg)
			if err != nil {
				return fmt.Errorf("invalid --before, want RFC 3339: %w", err)
			}
			rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: logger})
			if err != nil {
				return err
			}
			defer rt.Close()
			return runFlush(cmd.Context(), rt, pk, before)
		},
	}
	flushCmd.Flags().String("before", "", "Delete commands created before this RFC 3339 time")
	_ = flushCmd.MarkFlagRequired("before")
	addOverrideFlags(flushCmd)
	queueCmd.AddCommand(flushCmd)

	enqueueCmd := &cobra.Command{
		Use:   "enqueue <agent-id> <asset-group-id>",
		Short: "Enqueue a test command",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			agentID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid agent id: %w", err)
			}
			assetGroupID, err := uuid.Parse(args[1])
			if err != nil {
				return fmt.Errorf("invalid asset group id: %w", err)
			}
			kindArg, _ := cmd.Flags().GetString("kind")
			puid, _ := cmd.Flags().GetInt64("puid")
			item, err := buildTestItem(agentID, assetGroupID, kindArg, puid)
			if err != nil {
				return err
			}
			rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: logger})
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.Queue().Enqueue(cmd.Context(), item); err != nil {
				return err
			}
			fmt.Println("enqueued:", item.CommandID)
			return nil
		},
	}
	enqueueCmd.Flags().String("kind", "accountClose", "Command kind: delete|export|accountClose")
	enqueueCmd.Flags().Int64("puid", 0, "Consumer subject puid")
	addOverrideFlags(enqueueCmd)
	queueCmd.AddCommand(enqueueCmd)

	rootCmd.AddCommand(queueCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("cfeed", version)
		},
	})
	return rootCmd
}

func addOverrideFlags(cmd *cobra.Command) {
	cmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	cmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	cmd.Flags().String("log-format", "", "Log format: text|json")
}

func loadConfig(cmd *cobra.Command, path string) (cfgpkg.Config, logpkg.Logger, error) {
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfgpkg.Config{}, nil, err
	}
	if err := cfgpkg.FromEnv(&cfg); err != nil {
		return cfgpkg.Config{}, nil, err
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Log.Format = v
	}

	level, err := logpkg.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logpkg.InfoLevel
	}
	var formatter logpkg.Formatter = &logpkg.TextFormatter{}
	if cfg.Log.Format == "json" {
		formatter = &logpkg.JSONFormatter{}
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(level),
		logpkg.WithFormatter(formatter),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)
	return cfg, logger, nil
}

func parsePartition(agent, assetGroup string) (string, error) {
	agentID, err := uuid.Parse(agent)
	if err != nil {
		return "", fmt.Errorf("invalid agent id: %w", err)
	}
	assetGroupID, err := uuid.Parse(assetGroup)
	if err != nil {
		return "", fmt.Errorf("invalid asset group id: %w", err)
	}
	return commands.PartitionKey(agentID, assetGroupID), nil
}

func printStats(ctx context.Context, rt *runtime.Runtime, pk string) error {
	now := time.Now().UTC()
	var total, visible, leased int
	minNVT := time.Time{}

	continuation := ""
	for {
		docs, next, err := rt.Docs().RangeQuery(ctx, pk,
			commands.MinCompoundKey(pk), commands.MaxCompoundKey(pk), continuation, 200)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			item, err := commands.UnmarshalQueueItem(doc.ID, doc.Body)
			if err != nil {
				return err
			}
			total++
			if item.NextVisibleTime.After(now) {
				leased++
			} else {
				visible++
			}
			if minNVT.IsZero() || item.NextVisibleTime.Before(minNVT) {
				minNVT = item.NextVisibleTime
			}
		}
		if next == "" {
			break
		}
		continuation = next
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Partition", "Total", "Visible", "Leased/Delayed", "Min NVT"})
	minNVTText := "-"
	if !minNVT.IsZero() {
		minNVTText = minNVT.Format(time.RFC3339)
	}
	t.AppendRow(table.Row{pk, total, visible, leased, minNVTText})
	t.Render()
	return nil
}

func runFlush(ctx context.Context, rt *runtime.Runtime, pk string, before time.Time) error {
	continuation := ""
	for {
		next, done, err := rt.Queue().Flush(ctx, pk, before, time.Now().Add(10*time.Minute), continuation)
		if err != nil {
			return err
		}
		if done {
			fmt.Println("flush complete")
			return nil
		}
		continuation = next
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func buildTestItem(agentID, assetGroupID uuid.UUID, kindArg string, puid int64) (*commands.QueueItem, error) {
	kind, err := commands.ParseKind(kindArg)
	if err != nil {
		return nil, err
	}
	var info commands.CommandInfo
	switch kind {
	case commands.KindDelete:
		info = commands.DeleteInfo{}
	case commands.KindExport:
		info = commands.ExportInfo{DestinationURI: "https://localhost/exports"}
	case commands.KindAccountClose:
		info = commands.AccountCloseInfo{}
	default:
		return nil, errors.New("unsupported kind")
	}
	now := time.Now().UTC()
	return &commands.QueueItem{
		CommandID:       uuid.New(),
		AgentID:         agentID,
		AssetGroupID:    assetGroupID,
		Kind:            kind,
		Subject:         commands.MsaSubject{Puid: puid},
		Info:            info,
		Source:          "cfeed-cli",
		CreatedTime:     now,
		NextVisibleTime: now,
	}, nil
}
