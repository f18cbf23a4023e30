// ============================================================================
// Indexplane CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra based entry point for running and inspecting indexplane
//
// Command Structure:
//   indexplane                      # Root command
//   ├── run                         # Start a process
//   │   ├── --mode                  # standalone | control-plane | node
//   │   └── --node-id               # Override node.id
//   ├── plan                        # Dry-run placement
//   │   └── --node id=capacity      # Nodes to place on (repeatable)
//   ├── positions                   # Print persisted shard positions
//   │   └── --raw                   # Dump WAL records instead
//   ├── status                      # Configuration and control plane health
//   ├── --config, -c                # Config file (default: configs/default.yaml)
//   └── --version
//
// run Modes:
//   standalone:    control plane + one node in the same process. Plans reach
//                  the local node directly, remote nodes over gRPC.
//   control-plane: metastore, scheduling, plan fan-out, positions store.
//   node:          indexer node registering with control_plane_addr.
//
// Signal Handling:
//   run stops gracefully on SIGINT and SIGTERM: node pipelines are stopped,
//   in-flight RPCs drained, the last plan and positions snapshotted.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/indexplane/api/indexingpb"
	"github.com/ChuLiYu/indexplane/internal/controller"
	"github.com/ChuLiYu/indexplane/internal/positions"
	"github.com/ChuLiYu/indexplane/internal/scheduler"
	"github.com/ChuLiYu/indexplane/internal/snapshot"
	"github.com/ChuLiYu/indexplane/internal/storage/wal"
	"github.com/ChuLiYu/indexplane/pkg/metastore"
	"github.com/ChuLiYu/indexplane/pkg/types"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "indexplane",
		Short: "Indexplane: indexing pipeline control plane",
		Long: `Indexplane places indexing pipelines on indexer nodes:
- capacity aware, sticky placement
- idempotent apply-plan protocol over gRPC
- durable shard positions (WAL + snapshots)
- Prometheus metrics`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildPlanCommand())
	rootCmd.AddCommand(buildPositionsCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var mode string
	var nodeID string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start indexplane",
		Long:  "Start the system in standalone, control-plane, or node mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if nodeID != "" {
				cfg.Node.NodeID = types.NodeID(nodeID)
			}
			return runSystem(cfg, mode)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", modeStandalone, "System mode: standalone, control-plane, node")
	cmd.Flags().StringVar(&nodeID, "node-id", "", "Node id, overrides node.id")

	return cmd
}

func runSystem(cfg *Config, mode string) error {
	log.Printf("Starting indexplane in %s mode\n", mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := startApp(ctx, cfg, mode)
	if err != nil {
		return err
	}
	log.Printf("System started successfully, gRPC on %s\n", a.Addr())

	<-ctx.Done()
	log.Println("Received shutdown signal, stopping gracefully...")

	a.Stop()

	log.Println("System stopped. Goodbye!")
	return nil
}

func buildPlanCommand() *cobra.Command {
	var nodeSpecs []string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the physical plan for the configured sources",
		Long: `Build a physical plan from the metastore file without contacting any node.
Nodes default to the configured node. The last plan snapshot, if any, is used
as the previous plan so the output shows what the control plane would keep.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			plan, err := buildPlan(cmd.Context(), cfg, nodeSpecs)
			if err != nil {
				return err
			}
			return writePlan(cmd.OutOrStdout(), plan)
		},
	}

	cmd.Flags().StringArrayVar(&nodeSpecs, "node", nil, "Node as id=capacity, e.g. node-1=8000m or node-1=8 (repeatable)")

	return cmd
}

func buildPlan(ctx context.Context, cfg *Config, nodeSpecs []string) (scheduler.PhysicalPlan, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.ControlPlane.MetastorePath == "" {
		return scheduler.PhysicalPlan{}, fmt.Errorf("control_plane.metastore_path is required")
	}

	nodes := []scheduler.NodeSpec{{NodeID: cfg.Node.NodeID, Capacity: cfg.Node.Capacity}}
	if len(nodeSpecs) > 0 {
		nodes = nodes[:0]
		for _, raw := range nodeSpecs {
			spec, err := parseNodeSpec(raw)
			if err != nil {
				return scheduler.PhysicalPlan{}, err
			}
			nodes = append(nodes, spec)
		}
	}

	configs, err := metastore.NewFileMetastore(cfg.ControlPlane.MetastorePath).ListIndexingSources(ctx)
	if err != nil {
		return scheduler.PhysicalPlan{}, fmt.Errorf("failed to list sources: %w", err)
	}

	var previous *scheduler.PhysicalPlan
	if cfg.ControlPlane.PlanSnapshotPath != "" {
		plan, found, err := snapshot.NewManager[scheduler.PhysicalPlan](cfg.ControlPlane.PlanSnapshotPath, controller.PlanSnapshotKind).Load()
		if err != nil {
			return scheduler.PhysicalPlan{}, fmt.Errorf("failed to load plan snapshot: %w", err)
		}
		if found {
			previous = &plan
		}
	}

	return scheduler.BuildPhysicalPlan(scheduler.SourcesFromConfigs(configs), nodes, previous)
}

// parseNodeSpec parses "id=capacity". Capacity is either milli-CPUs with
// an "m" suffix or a number of CPUs.
func parseNodeSpec(raw string) (scheduler.NodeSpec, error) {
	id, capacity, ok := strings.Cut(raw, "=")
	if !ok || id == "" || capacity == "" {
		return scheduler.NodeSpec{}, fmt.Errorf("invalid node %q, want id=capacity", raw)
	}

	cpu, err := types.ParseCPUCapacity(capacity)
	if err != nil {
		if jsonErr := json.Unmarshal([]byte(capacity), &cpu); jsonErr != nil {
			return scheduler.NodeSpec{}, fmt.Errorf("invalid capacity for node %q: %w", id, jsonErr)
		}
	}
	return scheduler.NodeSpec{NodeID: types.NodeID(id), Capacity: cpu}, nil
}

func writePlan(w io.Writer, plan scheduler.PhysicalPlan) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(plan)
}

func buildPositionsCommand() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "positions",
		Short: "Print persisted shard positions",
		Long:  "Read the positions snapshot and WAL from the configured paths and print the last position of every shard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if raw {
				if cfg.Positions.WALPath == "" {
					return fmt.Errorf("positions.wal_path is not configured")
				}
				return wal.DumpWAL(cfg.Positions.WALPath, cmd.OutOrStdout())
			}
			all, err := positions.ReadPersisted(cfg.Positions)
			if err != nil {
				return fmt.Errorf("failed to read positions: %w", err)
			}
			return writePositions(cmd.OutOrStdout(), all)
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "Dump the WAL records since the last snapshot instead")

	return cmd
}

func writePositions(w io.Writer, all map[types.SourceUID]map[types.ShardID]types.Position) error {
	sources := make([]types.SourceUID, 0, len(all))
	for source := range all {
		sources = append(sources, source)
	}
	sort.Slice(sources, func(i, j int) bool {
		return sources[i].String() < sources[j].String()
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tSHARD\tPOSITION")
	for _, source := range sources {
		shards := make([]types.ShardID, 0, len(all[source]))
		for shard := range all[source] {
			shards = append(shards, shard)
		}
		sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })
		for _, shard := range shards {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", source, shard, all[source][shard])
		}
	}
	return tw.Flush()
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration and control plane health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cmd.OutOrStdout(), cfg)
		},
	}
	return cmd
}

func showStatus(w io.Writer, cfg *Config) error {
	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  Config file:        %s\n", configFile)
	fmt.Fprintf(w, "  Node:               %s (%s, capacity %s)\n", cfg.Node.NodeID, cfg.Node.AdvertiseAddr, cfg.Node.Capacity)
	fmt.Fprintf(w, "  Control plane:      %s\n", cfg.Node.ControlPlaneAddr)
	fmt.Fprintf(w, "  Metastore:          %s\n", cfg.ControlPlane.MetastorePath)
	fmt.Fprintf(w, "  Positions WAL:      %s\n", cfg.Positions.WALPath)
	fmt.Fprintf(w, "  Positions snapshot: %s\n", cfg.Positions.SnapshotPath)
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  Metrics:            http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "  Metrics:            disabled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	fmt.Fprintf(w, "Control plane health: %s\n", checkHealth(ctx, cfg.Node.ControlPlaneAddr))
	return nil
}

func checkHealth(ctx context.Context, address string, opts ...grpc.DialOption) string {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return fmt.Sprintf("unreachable (%v)", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: indexingpb.ControlPlaneServiceName})
	if err != nil {
		return fmt.Sprintf("unreachable (%v)", err)
	}
	return strings.ToLower(resp.Status.String())
}
