package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"sshdeck/internal/api"

	"github.com/spf13/cobra"
)

var rmRecursive bool

var lsCmd = &cobra.Command{
	Use:   "ls <profile-id> [path]",
	Short: "List a remote directory",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		dir := "."
		if len(args) == 2 {
			dir = args[1]
		}
		withSession(args[0], func(ctx context.Context, svc *api.Service) api.Result {
			res := svc.List(ctx, args[0], dir)
			if !res.Success {
				return res.Result
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', tabwriter.AlignRight)
			for _, e := range res.Files {
				modified := time.UnixMilli(e.ModifyTime).Format("Jan _2 15:04")
				fmt.Fprintf(w, "%s\t%d\t%s\t %s\t\n", e.Permissions, e.Size, modified, e.Name)
			}
			w.Flush()
			return res.Result
		})
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <profile-id> <path>",
	Short: "Print a remote file",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		withSession(args[0], func(ctx context.Context, svc *api.Service) api.Result {
			res := svc.Read(ctx, args[0], args[1])
			if res.Success {
				fmt.Print(res.Content)
			}
			return res.Result
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put <profile-id> <local> <remote>",
	Short: "Upload a file",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		withSession(args[0], func(ctx context.Context, svc *api.Service) api.Result {
			return svc.Upload(ctx, args[0], args[1], args[2])
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <profile-id> <remote> <local>",
	Short: "Download a file or directory",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		withSession(args[0], func(ctx context.Context, svc *api.Service) api.Result {
			return svc.Download(ctx, args[0], args[1], args[2])
		})
	},
}

var putDirCmd = &cobra.Command{
	Use:   "put-dir <profile-id> <local-dir> <remote-dir>",
	Short: "Upload a directory as a compressed archive",
	Long: `Archive a local directory, upload it and unpack it remotely. The
directory itself is recreated under <remote-dir>.`,
	Args: cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		withSession(args[0], func(ctx context.Context, svc *api.Service) api.Result {
			return svc.UploadFolder(ctx, args[0], args[1], args[2])
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <profile-id> <path>",
	Short: "Remove a remote file or directory",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		withSession(args[0], func(ctx context.Context, svc *api.Service) api.Result {
			return svc.Delete(ctx, args[0], args[1], rmRecursive)
		})
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <profile-id> <path>",
	Short: "Create a remote directory",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		withSession(args[0], func(ctx context.Context, svc *api.Service) api.Result {
			return svc.Mkdir(ctx, args[0], args[1])
		})
	},
}

var touchCmd = &cobra.Command{
	Use:   "touch <profile-id> <path>",
	Short: "Create a remote file if it does not exist",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		withSession(args[0], func(ctx context.Context, svc *api.Service) api.Result {
			return svc.CreateFile(ctx, args[0], args[1])
		})
	},
}

var mvCmd = &cobra.Command{
	Use:   "mv <profile-id> <old> <new>",
	Short: "Rename a remote path",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		withSession(args[0], func(ctx context.Context, svc *api.Service) api.Result {
			return svc.Rename(ctx, args[0], args[1], args[2])
		})
	},
}

func init() {
	rootCmd.AddCommand(lsCmd, catCmd, putCmd, getCmd, putDirCmd, rmCmd, mkdirCmd, touchCmd, mvCmd)

	rmCmd.Flags().BoolVarP(&rmRecursive, "recursive", "r", false, "Remove a directory and its contents")
}
