package main

import (
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/example/saleshub/api-go/internal/automation"
	"github.com/example/saleshub/api-go/internal/client"
	"github.com/example/saleshub/api-go/internal/config"
	"github.com/example/saleshub/api-go/internal/display"
	"github.com/example/saleshub/api-go/internal/localstate"
	"github.com/example/saleshub/api-go/internal/logging"
)

type commandContext struct {
	configFlag *string

	once   sync.Once
	err    error
	cfg    config.Client
	logger *zap.Logger
	state  localstate.Store
	api    *client.Client
	userID string
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensure() error {
	c.once.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.LoadClient(path)
		if err != nil {
			c.err = err
			return
		}
		logger, err := logging.New(cfg.LogLevel, "console")
		if err != nil {
			c.err = err
			return
		}
		state, err := localstate.NewFileStore(cfg.StateDir)
		if err != nil {
			c.err = err
			return
		}
		c.cfg = cfg
		c.logger = logger
		c.state = state
		c.api = client.New(cfg.ServerURL, &http.Client{})
		c.userID = automation.EnsureUserID(state)
	})
	return c.err
}

func (c *commandContext) registry() *display.Registry {
	return display.NewRegistry(c.state)
}

func (c *commandContext) orchestrator(processType string, onChange func(automation.State)) *automation.Orchestrator {
	opts := automation.Options{
		ProcessType:        processType,
		UserID:             c.userID,
		Backend:            c.api,
		Store:              c.state,
		Logger:             c.logger.Named("automation"),
		QueuePollInterval:  c.cfg.QueuePollInterval.Duration,
		ResumePollInterval: c.cfg.ResumePollInterval.Duration,
		StateTTL:           c.cfg.StateTTL.Duration,
		OnChange:           onChange,
	}
	if wd, ok := c.cfg.WatchdogFor(processType); ok {
		opts.Watchdog = &automation.Watchdog{
			TotalTimeout:  wd.TotalTimeout.Duration,
			StallTimeout:  wd.StallTimeout.Duration,
			CheckInterval: wd.CheckInterval.Duration,
		}
	}
	return automation.New(opts)
}
