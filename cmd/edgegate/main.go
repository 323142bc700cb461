// Command edgegate runs the device gateway, its admin tooling and the
// on-premise device agent.
package main

import (
	"os"

	"github.com/koltyakov/edgegate/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
