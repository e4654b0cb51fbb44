package main

import (
	"os"

	"github.com/taskhive/converse/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
