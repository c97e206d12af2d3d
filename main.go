// The main package for the fetchkit executable.
package main

import (
	"github.com/normafeed/fetchkit/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
