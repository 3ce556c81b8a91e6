// The main package for the progress-watch executable.
package main

import (
	"github.com/JakeFAU/analysis-progress/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
