// The main package for the listing-ingest executable.
package main

import (
	"github.com/JakeFAU/listing-photo-ingest/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
