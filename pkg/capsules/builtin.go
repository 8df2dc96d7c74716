// Package capsules provides the built-in capsule type descriptors and the
// executors that can run locally. Gateway-backed types (LLM, image
// generation, file export) dispatch an async job and are resolved later by
// the reconciliation sweep.
package capsules

import (
	"github.com/caprun-io/caprun/pkg/protocol"
	"github.com/caprun-io/caprun/pkg/registry"
)

// Builtin returns the descriptors registered by default. The jobs client
// backs the gateway capsule types; it may be nil on API-only processes,
// where executors are never invoked.
func Builtin(jobs protocol.BackingJobClient) []registry.Descriptor {
	return []registry.Descriptor{
		{Type: HTTPRequestType(), Executor: &HTTPRequestExecutor{}},
		{Type: TransformType(), Executor: &TransformExecutor{}},
		{Type: LLMGenerateType(), Executor: &GatewayExecutor{jobs: jobs, jobType: "llm-generate"}},
		{Type: ImageGenerateType(), Executor: &GatewayExecutor{jobs: jobs, jobType: "image-generate"}},
		{Type: FileExportType(), Executor: &GatewayExecutor{jobs: jobs, jobType: "file-export"}},
	}
}
