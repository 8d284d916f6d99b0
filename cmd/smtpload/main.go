package main

import (
	"os"

	"github.com/wesleyorama2/smtpload/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
