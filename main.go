// The main package for the crawlwatch executable.
package main

import (
	"github.com/JakeFAU/crawlwatch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
