// Command pos-server serves the till API.
package main

import (
	"context"

	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	posapp "github.com/xenking/gadget-pos/internal/app"
)

func main() {
	app.Run(func(ctx context.Context, lg *zap.Logger, m *app.Telemetry) error {
		cfg, err := posapp.LoadConfig()
		if err != nil {
			return err
		}
		return posapp.Run(ctx, lg, m, cfg)
	})
}
