package inventory

import (
	"context"

	"go.uber.org/fx"

	"sshupdater/internal/config"
)

// Module provides the inventory dependencies for fx injection.
var Module = fx.Module("inventory",
	fx.Provide(
		ProvideStore,
		NewCredentials,
	),
)

// ProvideStore opens the SQLite store at the configured path. The caller
// owns the store and closes it when the process is done.
func ProvideStore(cfg *config.Config) (Store, error) {
	return OpenSQLite(context.Background(), cfg.Store.Path)
}
