package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"

	"github.com/uplinkd/uplink/pkg/client"
	"github.com/uplinkd/uplink/pkg/types"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newCoordinator wires the transport and progress store from the
// connection flags. Flags fall back to UPLINK_* environment variables
// so scripted use does not leak the API key into shell history.
func newCoordinator(cmd *cobra.Command) (*client.Coordinator, client.Transport, error) {
	server := flagOrEnv(cmd, "server", "UPLINK_SERVER")
	if server == "" {
		return nil, nil, fmt.Errorf("no server address: pass --server or set UPLINK_SERVER")
	}
	apiKey := flagOrEnv(cmd, "api-key", "UPLINK_API_KEY")
	if apiKey == "" {
		return nil, nil, fmt.Errorf("no API key: pass --api-key or set UPLINK_API_KEY")
	}
	user := flagOrEnv(cmd, "user", "UPLINK_USER")
	if user == "" {
		return nil, nil, fmt.Errorf("no user id: pass --user or set UPLINK_USER")
	}

	transport := client.NewHTTPTransport(server, apiKey, user)
	store := client.NewProgressStore("")
	coordinator, err := client.NewCoordinator(transport, store)
	if err != nil {
		return nil, nil, err
	}
	return coordinator, transport, nil
}

func flagOrEnv(cmd *cobra.Command, flag, env string) string {
	if v, _ := cmd.Flags().GetString(flag); v != "" {
		return v
	}
	return os.Getenv(env)
}

func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// runTransfer attaches progress reporting, starts the network monitor
// and blocks until the transfer settles one way or the other.
func runTransfer(ctx context.Context, coordinator *client.Coordinator, transport client.Transport,
	start func(opts client.Options) (string, error)) error {

	done := make(chan error, 1)
	opts := client.Options{
		Retry: client.DefaultRetryPolicy(),
		OnProgress: func(u client.ProgressUpdate) {
			log.Info("uploading",
				"upload_id", u.UploadID[:minInt(8, len(u.UploadID))],
				"sent", humanize.Bytes(uint64(u.UploadedBytes)),
				"progress", fmt.Sprintf("%d%%", u.ProgressPercent))
		},
		OnComplete: func(record *types.CompleteResponse) {
			log.Info("upload complete",
				"file_id", record.ID,
				"name", record.Name,
				"size", humanize.Bytes(uint64(record.Size)))
			done <- nil
		},
		OnError: func(uploadID string, err error) {
			done <- fmt.Errorf("upload %s failed: %w", uploadID, err)
		},
	}

	uploadID, err := start(opts)
	if err != nil {
		return err
	}

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	monitor := client.NewMonitor(coordinator, transport)
	go monitor.Run(monitorCtx)

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// Interrupted: pause so the next invocation resumes.
		if pauseErr := coordinator.Pause(uploadID); pauseErr == nil {
			log.Info("upload paused, resume with: uplink resume", "upload_id", uploadID)
		}
		return nil
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

var rootCmd = &cobra.Command{
	Use:   "uplink",
	Short: "Resumable chunked file uploads",
}

var uploadCmd = &cobra.Command{
	Use:   "upload FILE",
	Short: "Upload a file, resuming automatically if it was tried before",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		coordinator, transport, err := newCoordinator(cmd)
		if err != nil {
			return err
		}

		path, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}
		workspace, _ := cmd.Flags().GetString("workspace")
		chunkSize, _ := cmd.Flags().GetInt64("chunk-size")

		ctx, stop := interruptContext()
		defer stop()

		return runTransfer(ctx, coordinator, transport, func(opts client.Options) (string, error) {
			opts.WorkspaceID = workspace
			opts.ChunkSize = chunkSize
			return coordinator.Start(ctx, path, opts)
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume UPLOAD_ID",
	Short: "Resume a paused or failed upload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		coordinator, transport, err := newCoordinator(cmd)
		if err != nil {
			return err
		}
		uploadID := args[0]

		ctx, stop := interruptContext()
		defer stop()

		return runTransfer(ctx, coordinator, transport, func(opts client.Options) (string, error) {
			if err := coordinator.Resume(ctx, uploadID, opts); err != nil {
				return "", err
			}
			return uploadID, nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [UPLOAD_ID]",
	Short: "Show pending uploads, or one upload's server-side state",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			states, err := client.NewProgressStore("").Load()
			if err != nil {
				return err
			}
			if len(states) == 0 {
				fmt.Println("No pending uploads.")
				return nil
			}
			for id, s := range states {
				fmt.Printf("%s  %-9s  %-30s  %s / %s  (%d%%)\n",
					id[:minInt(8, len(id))], s.Status, s.FileName,
					humanize.Bytes(uint64(s.UploadedBytes)),
					humanize.Bytes(uint64(s.FileSizeBytes)),
					s.ProgressPercent)
			}
			return nil
		}

		_, transport, err := newCoordinator(cmd)
		if err != nil {
			return err
		}
		status, err := transport.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Upload:   %s\n", status.UploadID)
		fmt.Printf("File:     %s\n", status.FileName)
		fmt.Printf("Received: %d / %d chunks\n", len(status.ReceivedChunks), status.TotalChunks)
		if len(status.MissingChunks) > 0 {
			fmt.Printf("Missing:  %v\n", status.MissingChunks)
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel UPLOAD_ID",
	Short: "Abandon an upload and discard its local progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		coordinator, _, err := newCoordinator(cmd)
		if err != nil {
			return err
		}
		if err := coordinator.Cancel(args[0]); err != nil {
			return err
		}
		fmt.Printf("Cancelled upload %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("server", "", "Server base URL (or UPLINK_SERVER)")
	rootCmd.PersistentFlags().String("api-key", "", "API key (or UPLINK_API_KEY)")
	rootCmd.PersistentFlags().String("user", "", "User id sent as X-User-ID (or UPLINK_USER)")

	uploadCmd.Flags().StringP("workspace", "w", "default", "Target workspace")
	uploadCmd.Flags().Int64("chunk-size", client.DefaultChunkSize, "Chunk size in bytes")

	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
}
