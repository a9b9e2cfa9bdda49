package main

import (
	"os"

	"github.com/gaoyangz77/easyclaw/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
