package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"sshdeck/internal/logging"
	"sshdeck/internal/session"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// detachKey (Ctrl-]) ends an interactive shell.
const detachKey = 0x1d

var shellCmd = &cobra.Command{
	Use:   "shell <profile-id>",
	Short: "Open an interactive shell",
	Long: `Open an interactive shell on a profile. The session reconnects according
to the profile's reconnect policy; press Ctrl-] to leave.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := args[0]
		logging.SetLevel(zapcore.WarnLevel)

		svc, closeAll := newService(loadConfig())
		defer closeAll()

		ended := make(chan string, 1)
		svc.Manager().OnEvent(func(e session.Event) {
			if e.ServerID != id {
				return
			}
			switch e.Type {
			case session.EventOutput:
				os.Stdout.WriteString(e.Data)
			case session.EventReconnecting:
				fmt.Fprintf(os.Stderr, "\r\n[reconnecting %d/%d]\r\n", e.Attempt, e.MaxAttempts)
			case session.EventReconnected:
				fmt.Fprint(os.Stderr, "\r\n[reconnected]\r\n")
			case session.EventReconnectFailed:
				select {
				case ended <- "reconnect failed":
				default:
				}
			}
		})

		if res := svc.Connect(context.Background(), id); !res.Success {
			logging.Logger().Fatal("Failed to connect", zap.String("server_id", id), zap.String("reason", res.Message))
		}

		fd := int(os.Stdin.Fd())
		if term.IsTerminal(fd) {
			state, err := term.MakeRaw(fd)
			if err != nil {
				closeAll()
				logging.Logger().Fatal("Failed to set raw mode", zap.Error(err))
			}
			defer term.Restore(fd, state)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go watchSize(ctx, id, func(cols, rows int) { svc.Resize(id, cols, rows) })
		go func() {
			buf := make([]byte, 4096)
			for {
				n, err := os.Stdin.Read(buf)
				if n > 0 {
					data := buf[:n]
					for i, b := range data {
						if b == detachKey {
							if i > 0 {
								svc.RawInput(id, data[:i])
							}
							ended <- "detached"
							return
						}
					}
					svc.RawInput(id, append([]byte(nil), data...))
				}
				if err != nil {
					if err != io.EOF {
						logging.Logger().Warn("Failed to read stdin", zap.Error(err))
					}
					ended <- "stdin closed"
					return
				}
			}
		}()

		reason := <-ended
		fmt.Fprintf(os.Stderr, "\r\n[%s]\r\n", reason)
	},
}

// watchSize polls the local terminal size and reports changes.
func watchSize(ctx context.Context, id string, resize func(cols, rows int)) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return
	}
	lastCols, lastRows := 0, 0
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		cols, rows, err := term.GetSize(fd)
		if err == nil && (cols != lastCols || rows != lastRows) {
			lastCols, lastRows = cols, rows
			logging.Logger().Debug("Terminal resized", zap.String("server_id", id), zap.Int("cols", cols), zap.Int("rows", rows))
			resize(cols, rows)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

var execFlags struct {
	idle    time.Duration
	timeout time.Duration
}

var execCmd = &cobra.Command{
	Use:   "exec <profile-id> <command>...",
	Short: "Send commands through the command queue and print the output",
	Long: `Each argument is queued as one command line. Output is printed until the
queue has drained and the shell has been quiet for --idle.`,
	Example: `  sshdeck exec web "cd /var/log" "tail -n 20 syslog"`,
	Args:    cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		id := args[0]
		svc, closeAll := newService(loadConfig())
		defer closeAll()

		lastOutput := make(chan time.Time, 1)
		svc.Manager().OnEvent(func(e session.Event) {
			if e.ServerID != id || e.Type != session.EventOutput {
				return
			}
			os.Stdout.WriteString(e.Data)
			select {
			case <-lastOutput:
			default:
			}
			lastOutput <- time.Now()
		})

		ctx, cancel := context.WithTimeout(context.Background(), execFlags.timeout)
		defer cancel()

		if res := svc.Connect(ctx, id); !res.Success {
			logging.Logger().Fatal("Failed to connect", zap.String("server_id", id), zap.String("reason", res.Message))
		}
		for _, line := range args[1:] {
			if res := svc.Enqueue(id, line); !res.Success {
				closeAll()
				logging.Logger().Fatal("Failed to queue command", zap.String("command", logging.Truncate(line)), zap.String("reason", res.Message))
			}
		}

		last := time.Now()
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case t := <-lastOutput:
				last = t
			case <-ticker.C:
				if !svc.QueueStatus(id).Processing && time.Since(last) >= execFlags.idle {
					return
				}
			case <-ctx.Done():
				logging.Logger().Warn("Timed out waiting for output", zap.String("server_id", id))
				return
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(shellCmd, execCmd)

	execCmd.Flags().DurationVar(&execFlags.idle, "idle", time.Second, "Quiet period that ends output collection")
	execCmd.Flags().DurationVar(&execFlags.timeout, "timeout", time.Minute, "Overall time limit")
}
