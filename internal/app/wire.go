//go:build wireinject

package app

import (
	"context"

	"github.com/google/wire"

	alcfg "agentledger/internal/config"
)

func buildAppWithWire(ctx context.Context, cfg *alcfg.Config) (*App, error) {
	wire.Build(
		provideAppBuilder,
		wire.Bind(new(appBuilderDeps), new(*AppBuilder)),
		provideAppFromBuilder,
	)
	return nil, nil
}
