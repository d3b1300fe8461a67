package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"sshdeck/internal/logging"
	"sshdeck/internal/profile"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var profileFlags struct {
	name          string
	host          string
	port          int
	user          string
	password      string
	key           string
	passphrase    string
	autoReconnect bool
	retries       int
	keepAlive     time.Duration
	generateKey   bool
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage connection profiles",
}

var profileAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a connection profile",
	Example: `  sshdeck profile add --name web --host 10.0.0.5 --user ops --password s3cret
  sshdeck profile add --name db --host db.internal --user root --key ~/.ssh/id_ed25519 --auto-reconnect`,
	Run: func(cmd *cobra.Command, args []string) {
		p := profileFromFlags(&profile.Profile{})
		if profileFlags.generateKey {
			kp := generateKey(p)
			p.AuthType = profile.AuthKey
			p.PrivateKey = kp.PrivateKeyPath
			fmt.Fprintf(os.Stderr, "Add this public key to ~/.ssh/authorized_keys on %s:\n%s", p.Host, kp.PublicKey)
		}
		svc, closeAll := newService(loadConfig())
		defer closeAll()

		res := svc.AddProfile(context.Background(), p)
		if !res.Success {
			closeAll()
			logging.Logger().Fatal("Failed to add profile", zap.String("reason", res.Message))
		}
		fmt.Println(res.Profile.ID)
	},
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List connection profiles",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		svc, closeAll := newService(cfg)
		defer closeAll()

		res := svc.Profiles(context.Background())
		if !res.Success {
			closeAll()
			logging.Logger().Fatal("Failed to list profiles", zap.String("reason", res.Message))
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tADDRESS\tUSER\tAUTH\tRECONNECT")
		for _, p := range res.Profiles {
			reconnect := "off"
			if p.AutoReconnect {
				reconnect = fmt.Sprintf("on (%d)", p.MaxRetries(cfg.Session.ReconnectMaxRetries))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Addr(), p.Username, p.AuthType, reconnect)
		}
		w.Flush()
	},
}

var profileShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a connection profile",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		svc, closeAll := newService(loadConfig())
		defer closeAll()

		res := svc.Profile(context.Background(), args[0])
		if !res.Success {
			closeAll()
			logging.Logger().Fatal("Failed to get profile", zap.String("reason", res.Message))
		}
		p := *res.Profile
		if p.Password != "" {
			p.Password = "********"
		}
		if p.Passphrase != "" {
			p.Passphrase = "********"
		}
		out, err := yaml.Marshal(&p)
		if err != nil {
			logging.Logger().Fatal("Failed to encode profile", zap.Error(err))
		}
		fmt.Print(string(out))
	},
}

var profileUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change fields of a connection profile",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		svc, closeAll := newService(loadConfig())
		defer closeAll()
		ctx := context.Background()

		cur := svc.Profile(ctx, args[0])
		if !cur.Success {
			closeAll()
			logging.Logger().Fatal("Failed to get profile", zap.String("reason", cur.Message))
		}
		p := *cur.Profile
		flags := cmd.Flags()
		if flags.Changed("name") {
			p.Name = profileFlags.name
		}
		if flags.Changed("host") {
			p.Host = profileFlags.host
		}
		if flags.Changed("port") {
			p.Port = profileFlags.port
		}
		if flags.Changed("user") {
			p.Username = profileFlags.user
		}
		if flags.Changed("password") {
			p.AuthType = profile.AuthPassword
			p.Password = profileFlags.password
		}
		if flags.Changed("key") {
			p.AuthType = profile.AuthKey
			p.PrivateKey = profileFlags.key
		}
		if flags.Changed("passphrase") {
			p.Passphrase = profileFlags.passphrase
		}
		if flags.Changed("auto-reconnect") {
			p.AutoReconnect = profileFlags.autoReconnect
		}
		if flags.Changed("retries") {
			p.ReconnectRetries = profileFlags.retries
		}
		if flags.Changed("keepalive") {
			p.KeepAliveInterval = profileFlags.keepAlive
		}

		if res := svc.UpdateProfile(ctx, args[0], &p); !res.Success {
			closeAll()
			logging.Logger().Fatal("Failed to update profile", zap.String("reason", res.Message))
		}
		logging.Logger().Info("Profile updated", zap.String("server_id", args[0]))
	},
}

var profileRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Remove a connection profile",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		svc, closeAll := newService(loadConfig())
		defer closeAll()

		if res := svc.DeleteProfile(context.Background(), args[0]); !res.Success {
			closeAll()
			logging.Logger().Fatal("Failed to remove profile", zap.String("reason", res.Message))
		}
	},
}

func profileFromFlags(p *profile.Profile) *profile.Profile {
	p.Name = profileFlags.name
	p.Host = profileFlags.host
	p.Port = profileFlags.port
	p.Username = profileFlags.user
	p.AuthType = profile.AuthPassword
	p.Password = profileFlags.password
	if profileFlags.key != "" {
		p.AuthType = profile.AuthKey
		p.PrivateKey = profileFlags.key
		p.Passphrase = profileFlags.passphrase
	}
	p.AutoReconnect = profileFlags.autoReconnect
	p.ReconnectRetries = profileFlags.retries
	p.KeepAliveInterval = profileFlags.keepAlive
	return p
}

// generateKey creates (or reuses) a key pair for p under ~/.ssh/sshdeck.
func generateKey(p *profile.Profile) *profile.KeyPair {
	home, err := os.UserHomeDir()
	if err != nil {
		logging.Logger().Fatal("Failed to locate home directory", zap.Error(err))
	}
	name := p.Name
	if name == "" {
		name = p.Host
	}
	kp, err := profile.GetOrCreateKey(afero.NewOsFs(), filepath.Join(home, ".ssh", "sshdeck"), name, "sshdeck@"+name)
	if err != nil {
		logging.Logger().Fatal("Failed to generate key pair", zap.Error(err))
	}
	logging.Logger().Info("Using key pair", zap.String("path", kp.PrivateKeyPath))
	return kp
}

func addProfileFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&profileFlags.name, "name", "", "Display name")
	f.StringVar(&profileFlags.host, "host", "", "Remote host")
	f.IntVar(&profileFlags.port, "port", profile.DefaultPort, "SSH port")
	f.StringVarP(&profileFlags.user, "user", "u", "", "Username")
	f.StringVar(&profileFlags.password, "password", "", "Password (selects password auth)")
	f.StringVar(&profileFlags.key, "key", "", "Private key path or inline PEM (selects key auth)")
	f.StringVar(&profileFlags.passphrase, "passphrase", "", "Private key passphrase")
	f.BoolVar(&profileFlags.autoReconnect, "auto-reconnect", false, "Reconnect automatically when the connection drops")
	f.IntVar(&profileFlags.retries, "retries", 0, "Reconnect attempts before giving up (0 uses the configured default)")
	f.DurationVar(&profileFlags.keepAlive, "keepalive", 0, "Keepalive interval override")
}

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileAddCmd, profileListCmd, profileShowCmd, profileUpdateCmd, profileRemoveCmd)

	addProfileFlags(profileAddCmd)
	addProfileFlags(profileUpdateCmd)
	profileAddCmd.Flags().BoolVar(&profileFlags.generateKey, "generate-key", false, "Generate an ed25519 key pair under ~/.ssh/sshdeck and use it")
	for _, name := range []string{"host", "user"} {
		if err := profileAddCmd.MarkFlagRequired(name); err != nil {
			panic(fmt.Sprintf("failed to mark flag as required: %v", err))
		}
	}
}
