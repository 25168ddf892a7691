package app

import (
	"cinebot/internal/config"
	"cinebot/internal/settings"
	"cinebot/internal/storage"
	logx "cinebot/pkg/logx"
)

// Maintenance is the storage view used by offline CLI commands. It never
// touches Telegram.
type Maintenance struct {
	Store    *storage.SQLite
	Settings *settings.Store
}

func OpenMaintenance(cfgPath string, log logx.Logger) (*Maintenance, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	m, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(m.storage, log)
	if err != nil {
		return nil, err
	}
	return &Maintenance{
		Store: store,
		Settings: settings.New(store, settings.Options{
			Location:              m.loc,
			DefaultItemQuota:      m.defItem,
			DefaultAncillaryQuota: m.defAncill,
		}),
	}, nil
}

func (m *Maintenance) Close() error { return m.Store.Close() }
