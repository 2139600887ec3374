// Puretrace - static purity analysis for Go and Python codebases.
//
// Puretrace builds a cross-file call graph, classifies every function as
// pure or impure, and propagates those properties through the graph with
// confidence scores.
package main

import (
	"fmt"
	"os"

	"github.com/puretrace/puretrace/cmd"
)

func main() {
	cli := cmd.NewCLI()

	if err := cli.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
