// The main package for the taskprogress executable.
package main

import (
	"github.com/JakeFAU/taskprogress/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
