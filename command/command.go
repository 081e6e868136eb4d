// Package command implements the trackstream CLI's subcommands,
// structured the way Nomad's command package structures its own: one
// cli.Command implementation per subcommand, wired together in
// cmd/trackstream's command map.
package command

import "flag"

func flagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}
