// Command valterd runs the filesystem-as-database daemon in the
// foreground. See internal/cli for the flag surface.
package main

import (
	"fmt"
	"os"

	"github.com/dicklesworthstone/valterd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
