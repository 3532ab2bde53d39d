package main

import (
	"fmt"
	"os"

	"fencesync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err.Error())
		os.Exit(1)
	}
}
