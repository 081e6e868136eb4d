package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/hashicorp/cli"

	"github.com/coalescehq/trackstream/storage/boltstore"
)

// TailCommand prints every event currently in a data directory's
// event log, one line per event, colorizing the topic the way Nomad's
// CLI colorizes job/alloc status columns.
type TailCommand struct {
	UI cli.Ui
}

func (c *TailCommand) Help() string {
	return strings.TrimSpace(`
Usage: trackstream tail -data-dir=<path>

  Prints every event currently stored in the given data directory.
`)
}

func (c *TailCommand) Synopsis() string {
	return "Prints events from a data directory"
}

func (c *TailCommand) Run(args []string) int {
	flags := flagSet("tail")
	dataDir := flags.String("data-dir", "", "path to the bolt data directory")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if *dataDir == "" {
		c.UI.Error("tail requires -data-dir")
		return 1
	}

	engine, err := boltstore.Open(*dataDir + "/events.db")
	if err != nil {
		c.UI.Error(fmt.Sprintf("error opening data directory: %s", err))
		return 1
	}
	defer engine.Close()

	ctx := context.Background()
	es, err := engine.ReadEvents(ctx, nil, false)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error reading events: %s", err))
		return 1
	}
	defer es.Close()

	topicColor := color.New(color.FgCyan).SprintFunc()
	for {
		event, ok, err := es.Next(ctx)
		if err != nil {
			c.UI.Error(fmt.Sprintf("error reading events: %s", err))
			return 1
		}
		if !ok {
			return 0
		}
		c.UI.Output(fmt.Sprintf("%-12s %s  %s  %v",
			event.Token, topicColor(event.Topic), event.Key, event.Payload))
	}
}
