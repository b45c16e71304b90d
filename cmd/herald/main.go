// Command herald runs the Herald content generation and publishing backend.
package main

import (
	"os"

	"github.com/watzon/herald/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
