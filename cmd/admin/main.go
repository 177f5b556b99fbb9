package main

import (
	"fmt"
	"os"

	"blocklog.ai/internal/model"
)

const usage = `usage: admin <command> [flags]

commands talking to a running server:
  lookup             list entries at a block, by an actor, or in an area
  rollback           start a player or area rollback job
  restore-inventory  restore an online actor's inventory from a snapshot
  select             show, set, or clear a staff member's area selection
  jobs               list, show, cancel, or watch rollback jobs
  purge              run one retention purge now
  stats              print server stats
  online             list online actors

offline:
  db                 query the SQLite index directly (counts|entries|snapshots|migrations)

run "admin <command> -h" for flags.`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "lookup":
		lookupCmd(args)
	case "rollback":
		rollbackCmd(args)
	case "restore-inventory":
		restoreInventoryCmd(args)
	case "select":
		selectCmd(args)
	case "jobs":
		jobsCmd(args)
	case "purge":
		purgeCmd(args)
	case "stats":
		statsCmd(args)
	case "online":
		onlineCmd(args)
	case "db":
		dbCmd(args)
	case "-h", "--help", "help":
		fmt.Println(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
}

// locationJSON validates a world:x,y,z flag value into a request body location.
func locationJSON(s string) (model.Location, error) {
	return model.ParseLocation(s)
}
