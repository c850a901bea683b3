// notesim maintains a semantic similarity index over a vault of Markdown
// notes and answers "what is related to this note" queries against it.
package main

import (
	"fmt"
	"os"

	"github.com/notesim/notesim/cmd/notesim/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
