// Command trackstream is the CLI entry point: an "agent" subcommand
// that runs the HTTP/websocket server, and publish/tail/stats
// subcommands for operating directly on a data directory, the way
// Nomad's single binary dispatches to "agent", "job", "node", and so
// on through the same hashicorp/cli runner.
package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"

	"github.com/coalescehq/trackstream/command"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ui := &cli.BasicUi{
		Reader:      os.Stdin,
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}

	c := cli.NewCLI("trackstream", "0.1.0")
	c.Args = args
	c.Commands = map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &command.AgentCommand{UI: ui}, nil
		},
		"publish": func() (cli.Command, error) {
			return &command.PublishCommand{UI: ui}, nil
		},
		"tail": func() (cli.Command, error) {
			return &command.TailCommand{UI: ui}, nil
		},
		"stats": func() (cli.Command, error) {
			return &command.StatsCommand{UI: ui}, nil
		},
	}

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return exitCode
}
