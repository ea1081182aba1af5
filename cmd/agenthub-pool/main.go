// Command agenthub-pool manages a local pool of agenthub-worker processes.
//
// It spawns workers as child processes, tracks them in worker_pool.json, and
// probes their health endpoints. The pool can be driven from the CLI or over
// the HTTP management API (serve).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/agenthub/agenthub/internal/pool"
	"github.com/agenthub/agenthub/pkg/logutil"
)

var poolDir string

var rootCmd = &cobra.Command{
	Use:   "agenthub-pool",
	Short: "Manage a local pool of agenthub-worker processes",
	Long: "agenthub-pool spawns and supervises agenthub-worker processes on one machine.\n" +
		"State lives in worker_pool.json in the pool directory. Workers inherit the\n" +
		"pool's environment, so set AGENTHUB_WORKER_KEY once before adding workers.",
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pool management HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		m, err := pool.NewManager(poolDir)
		if err != nil {
			return err
		}
		logger := logutil.New(os.Getenv("AGENTHUB_LOG_LEVEL"))
		handler := pool.NewAPIHandler(m, logger)
		fmt.Printf("Worker Pool Manager running on http://0.0.0.0:%d\n", port)
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		return srv.ListenAndServe()
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize pool config",
	RunE: func(cmd *cobra.Command, args []string) error {
		hubURL, _ := cmd.Flags().GetString("hub-url")
		basePort, _ := cmd.Flags().GetInt("base-port")
		m, err := pool.NewManager(poolDir)
		if err != nil {
			return err
		}
		if err := m.SetConfig(hubURL, basePort); err != nil {
			return err
		}
		fmt.Printf("Initialized pool config: hub_url=%s, base_port=%d\n", hubURL, basePort)
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Add worker(s) to the pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		m, err := pool.NewManager(poolDir)
		if err != nil {
			return err
		}
		for i := 0; i < count; i++ {
			entry, err := m.AddWorker()
			if err != nil {
				return err
			}
			fmt.Printf("Started worker %s on port %d (pid %d)\n", color.GreenString(entry.ID), entry.Port, entry.PID)
		}
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove worker(s) from the pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		count, _ := cmd.Flags().GetInt("count")
		m, err := pool.NewManager(poolDir)
		if err != nil {
			return err
		}
		if id != "" {
			removed, err := m.RemoveWorker(id)
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("worker %s not found", id)
			}
			fmt.Printf("Stopped worker %s\n", id)
			return nil
		}
		// Remove the newest workers first.
		workers := m.Workers()
		for i := len(workers) - 1; i >= 0 && len(workers)-i <= count; i-- {
			if _, err := m.RemoveWorker(workers[i].ID); err != nil {
				return err
			}
			fmt.Printf("Stopped worker %s\n", workers[i].ID)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show status of all workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := pool.NewManager(poolDir)
		if err != nil {
			return err
		}
		if len(m.Workers()) == 0 {
			fmt.Println("No workers in pool")
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		statuses := m.Status(ctx)

		fmt.Printf("Worker Pool (hub: %s)\n", m.HubURL())
		fmt.Printf("%-6s %-7s %-8s %-10s %s\n", "ID", "Port", "PID", "Process", "Health")
		for _, s := range statuses {
			aliveStr := color.RedString("dead")
			pidStr := "--"
			if s.Alive {
				aliveStr = color.GreenString("alive")
				pidStr = fmt.Sprintf("%d", s.PID)
			}
			health := s.Health
			if s.Health == pool.HealthConnected {
				health = color.GreenString(s.Health)
			}
			fmt.Printf("%-6s %-7d %-8s %-10s %s\n", s.ID, s.Port, pidStr, aliveStr, health)
		}
		return nil
	},
}

var stopAllCmd = &cobra.Command{
	Use:   "stop-all",
	Short: "Stop all workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := pool.NewManager(poolDir)
		if err != nil {
			return err
		}
		count, err := m.RemoveAll()
		if err != nil {
			return err
		}
		fmt.Printf("Stopped %d worker(s)\n", count)
		return nil
	},
}

var scaleCmd = &cobra.Command{
	Use:   "scale <target>",
	Short: "Scale pool to target size",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var target int
		if _, err := fmt.Sscanf(args[0], "%d", &target); err != nil || target < 0 {
			return fmt.Errorf("invalid target %q", args[0])
		}
		m, err := pool.NewManager(poolDir)
		if err != nil {
			return err
		}
		result, err := m.ScaleTo(target)
		if err != nil {
			return err
		}
		for _, w := range result.Added {
			fmt.Printf("Started worker %s on port %d (pid %d)\n", color.GreenString(w.ID), w.Port, w.PID)
		}
		for _, id := range result.Removed {
			fmt.Printf("Stopped worker %s\n", id)
		}
		fmt.Printf("Pool now has %d worker(s)\n", result.Total)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&poolDir, "dir", ".", "pool state directory")

	serveCmd.Flags().Int("port", 9090, "port for the management API")
	initCmd.Flags().String("hub-url", "", "WebSocket URL of the hub")
	initCmd.Flags().Int("base-port", 8081, "starting port for worker health endpoints")
	initCmd.MarkFlagRequired("hub-url")
	addCmd.Flags().Int("count", 1, "number of workers to add")
	removeCmd.Flags().String("id", "", "ID of a specific worker to remove")
	removeCmd.Flags().Int("count", 1, "number of workers to remove from the end")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopAllCmd)
	rootCmd.AddCommand(scaleCmd)
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: ")+err.Error())
		os.Exit(1)
	}
}
