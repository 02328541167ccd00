//go:build tools
// +build tools

// Package tools tracks the code generators used by `go generate` (mockgen)
// as module dependencies.
package tools

import (
	_ "go.uber.org/mock/mockgen"
)
