/*
main.go - Application entry point

PURPOSE:
  The stockledger binary. Runs the HTTP server and a few operator commands
  against the same store.

COMMANDS:
  serve       Start the HTTP API
  archive     Archive a report (e.g. its form was archived)
  unarchive   Restore an archived report
  restore     Print the OTA ledger payload of cases

CONFIGURATION:
  Environment variables with prefix STOCKLEDGER_ and an optional config
  file (--config). See config/config.go.

EXAMPLES:
  stockledger serve
  STOCKLEDGER_STORE_DRIVER=postgres STOCKLEDGER_DATABASE_URL=postgres://... stockledger serve
  stockledger archive 6f1c...
  stockledger restore --case clinic-1 --case clinic-2

SEE ALSO:
  - api/server.go: Router configuration
  - ledger/engine.go: The engine every command drives
*/
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
