package cmd

import (
	"context"
	"time"

	"sshdeck/internal/api"
	"sshdeck/internal/config"
	"sshdeck/internal/logging"
	"sshdeck/internal/profile"
	"sshdeck/internal/session"
	"sshdeck/internal/transport"

	"go.uber.org/zap"
)

// operationTimeout bounds one-shot CLI operations.
const operationTimeout = 5 * time.Minute

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		logging.Logger().Fatal("Failed to load configuration", zap.Error(err))
	}
	return cfg
}

func openStore(cfg *config.Config) profile.Store {
	store, err := profile.Open(profile.Options{
		Backend:       cfg.Profiles.Backend,
		Path:          cfg.Profiles.Path,
		EtcdEndpoints: cfg.Profiles.EtcdEndpoints,
		SQLitePath:    cfg.Profiles.SQLitePath,
	})
	if err != nil {
		logging.Logger().Fatal("Failed to open profile store",
			zap.String("backend", cfg.Profiles.Backend),
			zap.Error(err))
	}
	return store
}

// newService wires a local session manager. The returned func closes
// every session and the profile store.
func newService(cfg *config.Config) (*api.Service, func()) {
	store := openStore(cfg)
	connector := transport.NewSSHConnector(transport.OptionsFromConfig(cfg.Transport))
	mgr := session.NewManager(connector, session.SettingsFromConfig(cfg.Session))
	svc := api.NewService(mgr, store)
	return svc, func() {
		svc.DisconnectAll()
		if err := store.Close(); err != nil {
			logging.Logger().Warn("Failed to close profile store", zap.Error(err))
		}
	}
}

// withSession connects profile id, runs fn and disconnects again.
func withSession(id string, fn func(ctx context.Context, svc *api.Service) api.Result) {
	cfg := loadConfig()
	svc, closeAll := newService(cfg)
	defer closeAll()

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if res := svc.Connect(ctx, id); !res.Success {
		logging.Logger().Fatal("Failed to connect", zap.String("server_id", id), zap.String("reason", res.Message))
	}
	if res := fn(ctx, svc); !res.Success {
		closeAll()
		logging.Logger().Fatal("Operation failed", zap.String("server_id", id), zap.String("reason", res.Message))
	}
}
