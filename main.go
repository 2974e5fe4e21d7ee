package main

import (
	"os"

	"github.com/vigsterkr/watchz/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
