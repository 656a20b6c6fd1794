package app

import (
	"chronod/internal/storage"
	"chronod/pkg/logx"
)

// OpenStore opens the store named by the config file without starting the
// daemon. CLI inspection commands use this; the caller owns Close.
func OpenStore(cfgPath string) (storage.Store, error) {
	cfg, err := NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, logx.Nop())
}
