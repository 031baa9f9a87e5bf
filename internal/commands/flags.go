package commands

import (
	"context"
	"fmt"

	"pricewatch/internal/app"
	"pricewatch/internal/config"
)

// Flags are the global options shared by every command.
type Flags struct {
	ConfigPath string
}

func (f *Flags) manager() *config.ConfigManager {
	return config.NewConfigManager(f.ConfigPath)
}

// core loads the config and opens the pipeline for one-shot commands.
// mutate, when set, adjusts the parsed config before the store opens.
func (f *Flags) core(ctx context.Context, mutate func(*config.Config)) (*app.Core, error) {
	cfg, err := f.manager().Parse()
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(cfg)
	}
	core, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return core, nil
}
