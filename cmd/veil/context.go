package main

import (
	"fmt"

	"veil/internal/config"
	"veil/internal/queue"
	"veil/internal/transfer"
)

// commandContext lazily resolves the shared dependencies of CLI commands.
// The queue database and the transfer API tolerate concurrent access from
// the daemon, so commands talk to both directly.
type commandContext struct {
	configFlag *string

	cfg     *config.Config
	cfgPath string
	store   *queue.Store
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	path := ""
	if c.configFlag != nil {
		path = *c.configFlag
	}
	cfg, resolvedPath, _, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	c.cfgPath = resolvedPath
	return cfg, nil
}

func (c *commandContext) ensureStore() (*queue.Store, error) {
	if c.store != nil {
		return c.store, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	store, err := queue.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	c.store = store
	return store, nil
}

func (c *commandContext) transferClient() (*transfer.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return transfer.NewClient(cfg.Storage.BaseURL, cfg.Storage.APIToken), nil
}

func (c *commandContext) close() {
	if c.store != nil {
		c.store.Close()
		c.store = nil
	}
}
