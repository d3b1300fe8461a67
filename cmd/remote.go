package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"sshdeck/internal/client"
	"sshdeck/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var remoteServerAddr string

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Drive sessions held by a running sshdeck server",
}

func remoteClient() *client.Client {
	addr := remoteServerAddr
	if addr == "" {
		addr = loadConfig().Server.Listen
	}
	return client.New(addr)
}

func remoteContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Minute)
}

var remoteStatusCmd = &cobra.Command{
	Use:   "status [profile-id]",
	Short: "List sessions, or show one session's queue and recent events",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := remoteClient()
		ctx, cancel := remoteContext()
		defer cancel()

		if len(args) == 0 {
			sessions, err := c.Sessions(ctx)
			if err != nil {
				logging.Logger().Fatal("Could not list sessions", zap.Error(err))
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tHOST\tSTATE\tQUEUE\tLAST ACTIVITY")
			for _, s := range sessions {
				state := s.State.String()
				if s.Attempt > 0 {
					state = fmt.Sprintf("%s (%d)", state, s.Attempt)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
					s.ID, s.Name, s.Host, state, s.Queue.QueueLength, s.Queue.MaxQueueSize,
					s.LastActivity.Local().Format(time.DateTime))
			}
			w.Flush()
			return
		}

		id := args[0]
		connected, err := c.IsConnected(ctx, id)
		if err != nil {
			logging.Logger().Fatal("Could not get status", zap.Error(err))
		}
		fmt.Printf("Session: %s\n", id)
		fmt.Printf("Connected: %t\n", connected)
		if !connected {
			return
		}
		qs, err := c.QueueStatus(ctx, id)
		if err != nil {
			logging.Logger().Fatal("Could not get queue status", zap.Error(err))
		}
		fmt.Printf("Queue: %d/%d (processing: %t)\n", qs.QueueLength, qs.MaxQueueSize, qs.Processing)

		events, err := c.History(ctx, id)
		if err != nil {
			logging.Logger().Fatal("Could not get history", zap.Error(err))
		}
		if len(events) > 0 {
			fmt.Println("\nEvents:")
			for _, e := range events {
				line := fmt.Sprintf("- %s %s", e.Timestamp.Local().Format(time.DateTime), e.Type)
				if e.Attempt > 0 {
					line += fmt.Sprintf(" %d/%d", e.Attempt, e.MaxAttempts)
				}
				fmt.Println(line)
			}
		}
	},
}

var remoteConnectCmd = &cobra.Command{
	Use:   "connect <profile-id>",
	Short: "Open a session on the server",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := remoteContext()
		defer cancel()
		if err := remoteClient().Connect(ctx, args[0]); err != nil {
			logging.Logger().Fatal("Could not connect", zap.String("server_id", args[0]), zap.Error(err))
		}
		fmt.Println("Connected successfully")
	},
}

var remoteDisconnectCmd = &cobra.Command{
	Use:   "disconnect <profile-id>",
	Short: "Close a session on the server",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := remoteContext()
		defer cancel()
		if err := remoteClient().Disconnect(ctx, args[0]); err != nil {
			logging.Logger().Fatal("Could not disconnect", zap.String("server_id", args[0]), zap.Error(err))
		}
	},
}

var remoteReconnectCmd = &cobra.Command{
	Use:   "reconnect <profile-id>",
	Short: "Force a session to reconnect",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := remoteContext()
		defer cancel()
		if err := remoteClient().Reconnect(ctx, args[0]); err != nil {
			logging.Logger().Fatal("Could not reconnect", zap.String("server_id", args[0]), zap.Error(err))
		}
	},
}

var remoteSendCmd = &cobra.Command{
	Use:   "send <profile-id> <command>...",
	Short: "Queue a command on a session",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := remoteContext()
		defer cancel()
		command := strings.Join(args[1:], " ")
		if err := remoteClient().Send(ctx, args[0], command); err != nil {
			logging.Logger().Fatal("Could not send command",
				zap.String("server_id", args[0]),
				zap.String("command", logging.Truncate(command)),
				zap.Error(err))
		}
	},
}

func init() {
	rootCmd.AddCommand(remoteCmd)
	remoteCmd.AddCommand(remoteStatusCmd, remoteConnectCmd, remoteDisconnectCmd, remoteReconnectCmd, remoteSendCmd)

	remoteCmd.PersistentFlags().StringVarP(&remoteServerAddr, "server", "s", "", "Server address (default server.listen from config)")
}
