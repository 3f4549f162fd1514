// Command aofctl is the admin client for aof-server's control-plane
// RPC surface: triggering a manual rewrite, waiting for a replication
// offset to become durable, and querying status — the adapted
// successor of the teacher's cmd/client / cmd/remote net/rpc pair.
package main

import (
	"fmt"
	"net/rpc"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/epokhe/aofkit/aof"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var addr string

	root := &cobra.Command{
		Use:   "aofctl",
		Short: "Admin client for aof-server",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "localhost:6381", "admin RPC address")

	root.AddCommand(
		bgRewriteCmd(&addr),
		waitAOFCmd(&addr),
		infoCmd(&addr),
	)
	return root
}

func dial(addr string) (*rpc.Client, error) {
	return rpc.Dial("tcp", addr)
}

func bgRewriteCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "bgrewriteaof",
		Short: "Trigger a manual AOF rewrite",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial(*addr)
			if err != nil {
				return err
			}
			defer client.Close() // nolint:errcheck

			var reply struct{}
			if err := client.Call("AOFAdmin.BgRewriteAOF", struct{}{}, &reply); err != nil {
				return err
			}
			fmt.Println("Background append only file rewriting started")
			return nil
		},
	}
}

func waitAOFCmd(addr *string) *cobra.Command {
	var targetOffset int64
	var timeoutMs int64

	cmd := &cobra.Command{
		Use:   "waitaof",
		Short: "Block until a replication offset is durable",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial(*addr)
			if err != nil {
				return err
			}
			defer client.Close() // nolint:errcheck

			type waitArgs struct {
				TargetOffset int64
				TimeoutMs    int64
			}
			var reply struct{ DurableOffset int64 }
			if err := client.Call("AOFAdmin.WaitAOF", waitArgs{TargetOffset: targetOffset, TimeoutMs: timeoutMs}, &reply); err != nil {
				return err
			}
			fmt.Printf("durable offset: %d\n", reply.DurableOffset)
			return nil
		},
	}
	cmd.Flags().Int64Var(&targetOffset, "target-offset", 0, "replication offset to wait for")
	cmd.Flags().Int64Var(&timeoutMs, "timeout-ms", int64(5*time.Second/time.Millisecond), "timeout in milliseconds")
	return cmd
}

func infoCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print AOF status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial(*addr)
			if err != nil {
				return err
			}
			defer client.Close() // nolint:errcheck

			var status aof.Status
			if err := client.Call("AOFAdmin.Info", struct{}{}, &status); err != nil {
				return err
			}
			fmt.Printf("writer_state: %s\n", status.WriterState)
			fmt.Printf("durable_offset: %d\n", status.DurableOffset)
			fmt.Printf("delayed_fsyncs: %d\n", status.DelayedFsyncs)
			fmt.Printf("fsync_weakened: %t\n", status.FsyncWeakened)
			fmt.Printf("rewrite_in_progress: %t\n", status.RewriteInProgress)
			fmt.Printf("consecutive_rewrite_failures: %d\n", status.ConsecutiveRewriteFailures)
			fmt.Printf("base_segment: %s\n", status.BaseSegment)
			fmt.Printf("incremental_count: %d\n", status.IncrementalCount)
			fmt.Printf("history_count: %d\n", status.HistoryCount)
			return nil
		},
	}
}
