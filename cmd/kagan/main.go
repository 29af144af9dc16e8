// Command kagan is the CLI front end: task CRUD and board rendering talk
// to the local SQLite store directly, while start/stop/queue submit jobs
// to the running kagand daemon's Job Surface so task state is
// never mutated outside the worker loop.
package main

import (
	"fmt"
	"os"

	"github.com/kagan-dev/kagan/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
