// Package cmd provides common initialization functions for the command-line
// binaries.
package cmd

import (
	"log/slog"

	"github.com/caprun-io/caprun/pkg/capsules"
	"github.com/caprun-io/caprun/pkg/protocol"
	"github.com/caprun-io/caprun/pkg/registry"
)

// NewRegistry builds the immutable capsule type registry with the built-in
// descriptors. The jobs client may be nil on processes that never execute
// nodes.
func NewRegistry(logger *slog.Logger, jobs protocol.BackingJobClient) *registry.Registry {
	reg, err := registry.NewRegistry(logger, capsules.Builtin(jobs)...)
	if err != nil {
		panic(err)
	}

	return reg
}
