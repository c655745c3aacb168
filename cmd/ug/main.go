// Command ug mounts a Syndicate volume as a POSIX filesystem and runs
// the background maintenance (vacuum) a gateway owes the rest of the
// fabric while it is up.
package main

import (
	"fmt"
	"os"

	"github.com/syndicate-project/ug/cmd/ug/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
