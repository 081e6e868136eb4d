package command

import (
	"fmt"
	"strings"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/go-hclog"

	"github.com/coalescehq/trackstream/command/agent"
)

// AgentCommand runs the HTTP/websocket agent in the foreground, the
// way Nomad's own "agent" subcommand is the long-running entry point
// wrapping command/agent.
type AgentCommand struct {
	UI cli.Ui
}

func (c *AgentCommand) Help() string {
	return strings.TrimSpace(`
Usage: trackstream agent [options]

  Runs the trackstream HTTP and websocket agent in the foreground.

Options:

  -config=<path>     Path to an HCL config file.
  -env-file=<path>   Optional environment overlay file.
`)
}

func (c *AgentCommand) Synopsis() string {
	return "Runs a trackstream agent"
}

func (c *AgentCommand) Run(args []string) int {
	flags := flagSet("agent")
	configPath := flags.String("config", "", "path to an HCL config file")
	envFile := flags.String("env-file", "", "optional environment overlay file")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	cfg := agent.DefaultConfig()
	if *configPath != "" {
		loaded, err := agent.LoadConfigFile(*configPath)
		if err != nil {
			c.UI.Error(fmt.Sprintf("error loading config: %s", err))
			return 1
		}
		cfg = loaded
	}
	if *envFile != "" {
		if err := agent.ApplyEnvOverlay(cfg, *envFile); err != nil {
			c.UI.Error(fmt.Sprintf("error applying env overlay: %s", err))
			return 1
		}
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "trackstream",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	a, err := agent.New(logger, cfg)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error starting agent: %s", err))
		return 1
	}
	defer a.Stop()

	c.UI.Output(fmt.Sprintf("trackstream agent listening on %s", cfg.BindAddr))
	if err := a.Start(); err != nil {
		c.UI.Error(fmt.Sprintf("agent exited: %s", err))
		return 1
	}
	return 0
}
