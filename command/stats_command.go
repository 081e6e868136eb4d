package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/cli"
	"github.com/ryanuber/columnize"

	"github.com/coalescehq/trackstream/storage/boltstore"
)

// StatsCommand summarizes a data directory's event log: total event
// count and the distinct topics observed, formatted as an aligned
// table the way Nomad's "node status" and "job status" commands
// format theirs.
type StatsCommand struct {
	UI cli.Ui
}

func (c *StatsCommand) Help() string {
	return strings.TrimSpace(`
Usage: trackstream stats -data-dir=<path>

  Summarizes the event log in the given data directory.
`)
}

func (c *StatsCommand) Synopsis() string {
	return "Summarizes a data directory's event log"
}

func (c *StatsCommand) Run(args []string) int {
	flags := flagSet("stats")
	dataDir := flags.String("data-dir", "", "path to the bolt data directory")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if *dataDir == "" {
		c.UI.Error("stats requires -data-dir")
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

	counts := map[string]int{}
	total := 0
	for {
		event, ok, err := es.Next(ctx)
		if err != nil {
			c.UI.Error(fmt.Sprintf("error reading events: %s", err))
			return 1
		}
		if !ok {
			break
		}
		counts[event.Topic]++
		total++
	}

	rows := []string{"Topic | Count"}
	for topic, n := range counts {
		rows = append(rows, fmt.Sprintf("%s | %d", topic, n))
	}
	c.UI.Output(fmt.Sprintf("Total events: %d\n\n%s", total, columnize.SimpleFormat(rows)))
	return 0
}
