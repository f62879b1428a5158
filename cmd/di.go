package cmd

import (
	"log/slog"

	"go.uber.org/fx"

	"sshupdater/internal/config"
	"sshupdater/internal/engine"
	"sshupdater/internal/inventory"
	"sshupdater/internal/profile"
	"sshupdater/internal/sshx"
	"sshupdater/internal/vault"
)

// fleet bundles everything a fleet run needs.
type fleet struct {
	Orchestrator *engine.Orchestrator
	Aggregator   *engine.Aggregator
	Store        inventory.Store
}

// initFleet wires the run pipeline: SQLite inventory, SSH dialer, command
// profiles and the engine. v may be nil when the vault stays locked.
func initFleet(cfg *config.Config, log *slog.Logger, v *vault.Vault) (*fleet, error) {
	f := &fleet{}
	app := fx.New(
		fx.NopLogger,
		fx.Supply(cfg, log, v),
		fx.Provide(
			func() sshx.Dialer { return sshx.NewClient() },
			func() engine.ProfileSource { return profile.Default() },
			func(c *inventory.Credentials) engine.CredentialSource { return c },
		),
		inventory.Module,
		engine.Module,
		fx.Populate(&f.Orchestrator, &f.Aggregator, &f.Store),
	)
	if err := app.Err(); err != nil {
		return nil, err
	}
	return f, nil
}

// initStore wires only the inventory, for commands that never dial out.
func initStore(cfg *config.Config) (inventory.Store, error) {
	var s inventory.Store
	app := fx.New(
		fx.NopLogger,
		fx.Supply(cfg),
		fx.Provide(inventory.ProvideStore),
		fx.Populate(&s),
	)
	if err := app.Err(); err != nil {
		return nil, err
	}
	return s, nil
}
