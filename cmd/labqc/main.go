// Command labqc runs the retest workflow service and its operator commands.
package main

import (
	"fmt"
	"os"

	"labqc/internal/cmd"
)

func main() {
	if err := cmd.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
