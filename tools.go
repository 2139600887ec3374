//go:build tools
// +build tools

package tools

import (
	// Document tool dependencies for version control
	_ "github.com/fzipp/gocyclo/cmd/gocyclo"
)
