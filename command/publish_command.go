package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/cli"

	"github.com/coalescehq/trackstream/storage/boltstore"
	"github.com/coalescehq/trackstream/stream"
)

// PublishCommand appends a single event to a bolt-backed store,
// useful for smoke-testing an agent's data directory without running
// the HTTP API.
type PublishCommand struct {
	UI cli.Ui
}

func (c *PublishCommand) Help() string {
	return strings.TrimSpace(`
Usage: trackstream publish -data-dir=<path> -topic=<topic> -key=<key> <payload>

  Appends one event to the event log in the given data directory.
`)
}

func (c *PublishCommand) Synopsis() string {
	return "Appends an event to a data directory"
}

func (c *PublishCommand) Run(args []string) int {
	flags := flagSet("publish")
	dataDir := flags.String("data-dir", "", "path to the bolt data directory")
	topic := flags.String("topic", "", "event topic")
	key := flags.String("key", "", "event key")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	rest := flags.Args()
	if *dataDir == "" || *topic == "" || len(rest) != 1 {
		c.UI.Error("publish requires -data-dir, -topic and exactly one payload argument")
		return 1
	}

	engine, err := boltstore.Open(*dataDir + "/events.db")
	if err != nil {
		c.UI.Error(fmt.Sprintf("error opening data directory: %s", err))
		return 1
	}
	defer engine.Close()

	tracked, err := engine.Append(context.Background(), []stream.EventMessage{
		{Topic: *topic, Key: *key, Payload: rest[0]},
	})
	if err != nil {
		c.UI.Error(fmt.Sprintf("error publishing event: %s", err))
		return 1
	}

	c.UI.Output(fmt.Sprintf("published at token %s", tracked[0].Token))
	return 0
}
