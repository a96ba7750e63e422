// Command replicant-admin is an interactive administrative shell
// against one replicant server: create/restore/list/snapshot/shutdown
// objects and inspect client/peer liveness (spec §6 "the parts the
// core touches" of the client API, plus the daemon's AdminRequest
// surface in internal/daemonproto). Each line typed is parsed and
// dispatched the same way the teacher's own interactive shell drives
// minicli commands from a liner prompt, except subcommands here are
// cobra commands re-executed against a fresh arg list every line
// rather than a registered minicli grammar.
package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/rescrv/replicant/internal/daemonproto"
	"github.com/rescrv/replicant/pkg/client"
	"github.com/rescrv/replicant/pkg/replicant"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "replicant-admin",
		Short:         "interactive administrative shell for a replicant server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverAddr, "server", "127.0.0.1:1982", "server address to administer")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "per-request timeout")

	var oneShot string
	root.Flags().StringVar(&oneShot, "exec", "", "run a single command line instead of starting the shell")

	root.RunE = func(cmd *cobra.Command, args []string) error {
		if oneShot != "" {
			return dispatch(splitLine(oneShot))
		}
		return repl()
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "replicant-admin:", err)
		os.Exit(1)
	}
}

// repl drives the interactive prompt: read a line, split it the way a
// shell would, dispatch it as a subcommand. liner.ErrPromptAborted
// (Ctrl-C) restarts the prompt instead of exiting, matching the
// teacher's own local CLI loop; EOF (Ctrl-D) ends the session.
func repl() error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	for {
		prompt := fmt.Sprintf("replicant[%s]$ ", serverAddr)
		text, err := line.Prompt(prompt)
		if err == liner.ErrPromptAborted {
			continue
		} else if err == io.EOF {
			fmt.Println()
			return nil
		} else if err != nil {
			return err
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		line.AppendHistory(text)

		if text == "quit" || text == "exit" {
			return nil
		}

		if err := dispatch(splitLine(text)); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

// splitLine does the minimal shell-style tokenizing an admin command
// needs: whitespace-separated fields, no quoting support beyond what
// strings.Fields already gives us (object names and library paths
// here are path components, not arbitrary strings with spaces).
func splitLine(s string) []string {
	return strings.Fields(s)
}

func dispatch(args []string) error {
	if len(args) == 0 {
		return nil
	}
	sub := newSubcommand()
	sub.SetArgs(args)
	return sub.Execute()
}

// newSubcommand builds a fresh cobra.Command tree per line: cobra
// commands are not meant to be re-Execute()'d, so the shell builds one
// from scratch for every line typed rather than trying to reset state
// on a shared tree.
func newSubcommand() *cobra.Command {
	root := &cobra.Command{Use: "admin", SilenceUsage: true, SilenceErrors: true}

	root.AddCommand(createCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(listCmd())
	root.AddCommand(snapshotCmd())
	root.AddCommand(shutdownCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(logsCmd())
	return root
}

func createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <object> <library-path>",
		Short: "create a new object from a state machine plugin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Admin(serverAddr, daemonproto.AdminRequest{
				Op:          daemonproto.AdminCreate,
				Object:      args[0],
				LibraryPath: args[1],
			}, timeout)
			if err != nil {
				return err
			}
			printAdminResult(resp)
			return nil
		},
	}
}

func restoreCmd() *cobra.Command {
	var snapshotFile string
	cmd := &cobra.Command{
		Use:   "restore <object> <library-path>",
		Short: "restore an object from a snapshot file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var snapshot []byte
			if snapshotFile != "" {
				data, err := os.ReadFile(snapshotFile)
				if err != nil {
					return err
				}
				snapshot = data
			}
			resp, err := client.Admin(serverAddr, daemonproto.AdminRequest{
				Op:          daemonproto.AdminRestore,
				Object:      args[0],
				LibraryPath: args[1],
				Snapshot:    snapshot,
			}, timeout)
			if err != nil {
				return err
			}
			printAdminResult(resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&snapshotFile, "snapshot-file", "", "path to a previously saved snapshot")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list every live object",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Admin(serverAddr, daemonproto.AdminRequest{Op: daemonproto.AdminList}, timeout)
			if err != nil {
				return err
			}
			for _, name := range resp.Objects {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func snapshotCmd() *cobra.Command {
	var outFile string
	cmd := &cobra.Command{
		Use:   "snapshot <object>",
		Short: "snapshot an object and optionally save it to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Admin(serverAddr, daemonproto.AdminRequest{
				Op:     daemonproto.AdminSnapshot,
				Object: args[0],
			}, timeout)
			if err != nil {
				return err
			}
			if resp.Status == replicant.SUCCESS && outFile != "" {
				if err := os.WriteFile(outFile, resp.Snapshot, 0644); err != nil {
					return err
				}
				fmt.Printf("wrote %d bytes to %s\n", len(resp.Snapshot), outFile)
				return nil
			}
			fmt.Println(hex.EncodeToString(resp.Snapshot))
			return nil
		},
	}
	cmd.Flags().StringVar(&outFile, "out", "", "file to write the snapshot bytes to")
	return cmd
}

func shutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown <object>",
		Short: "shut down a live object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Admin(serverAddr, daemonproto.AdminRequest{
				Op:     daemonproto.AdminShutdown,
				Object: args[0],
			}, timeout)
			if err != nil {
				return err
			}
			printAdminResult(resp)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show live objects, connected clients, and suspect peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Admin(serverAddr, daemonproto.AdminRequest{Op: daemonproto.AdminStatus}, timeout)
			if err != nil {
				return err
			}
			fmt.Printf("objects: %s\n", strings.Join(resp.Objects, ", "))
			fmt.Printf("clients: %s\n", joinUint64(resp.Clients))
			fmt.Printf("suspect peers: %s\n", joinUint64(resp.Suspects))
			for _, h := range resp.Health {
				fmt.Printf("  %s: pid=%d comm=%s state=%s\n", h.Object, h.PID, h.Comm, h.State)
			}
			return nil
		},
	}
}

func logsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs",
		Short: "dump the server's recent in-memory log lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Admin(serverAddr, daemonproto.AdminRequest{Op: daemonproto.AdminLogs}, timeout)
			if err != nil {
				return err
			}
			for _, line := range resp.Logs {
				fmt.Print(line)
			}
			return nil
		},
	}
}

func printAdminResult(resp daemonproto.AdminResponse) {
	fmt.Println(resp.Status)
	if resp.Message != "" {
		fmt.Println(resp.Message)
	}
}

func joinUint64(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(id, 10)
	}
	return strings.Join(parts, ", ")
}
