package main

import (
	"os"

	"github.com/chuye/metingbot/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
