package main

import (
	"os"

	"imcontext/cmd/imctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
