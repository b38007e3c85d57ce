// The main package for the serptracker executable.
package main

import (
	"github.com/JakeFAU/serp-rank-tracker/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
