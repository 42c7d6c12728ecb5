// Package module manages the catalog of deployable WASM modules. Artifacts
// are inspected at registration time: the orchestrator compiles them to
// validate the binary and to record exported functions and host-interface
// requirements, but never executes them.
package module

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/tetratelabs/wazero"

	"github.com/wasmfleet/wasmfleet/pkg/fleet"
)

// Host-interface import namespaces mapped to the capability tags a hosting
// device must advertise.
var importCapabilities = map[string]string{
	"wasi_snapshot_preview1": "wasi",
	"wasi_unstable":          "wasi",
	"wasi:http":              "wasi-http",
	"env":                    "host-env",
}

// Inspection is what artifact introspection learns about a module binary.
type Inspection struct {
	// SHA256 is the hex digest of the artifact bytes.
	SHA256 string

	// SizeBytes is the artifact size.
	SizeBytes int64

	// Exports lists the exported function names, sorted.
	Exports []string

	// RequiredCapabilities are capability tags implied by the module's
	// host-interface imports.
	RequiredCapabilities fleet.CapabilitySet
}

// Inspector validates and introspects WASM artifacts.
type Inspector struct {
	runtime wazero.Runtime
}

// NewInspector creates an inspector. The underlying runtime only compiles
// modules; nothing is instantiated.
func NewInspector(ctx context.Context) *Inspector {
	return &Inspector{
		runtime: wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter()),
	}
}

// Close releases the runtime's compilation caches.
func (i *Inspector) Close(ctx context.Context) error {
	return i.runtime.Close(ctx)
}

// Inspect compiles the artifact and extracts its surface. An artifact that
// fails to compile is rejected with a permanent ErrCodeInvalidArtifact error.
func (i *Inspector) Inspect(ctx context.Context, artifact []byte) (*Inspection, error) {
	compiled, err := i.runtime.CompileModule(ctx, artifact)
	if err != nil {
		return nil, fleet.NewPermanentError("artifact is not a valid WASM module", err).
			WithCode(fleet.ErrCodeInvalidArtifact).
			WithOperation("inspect")
	}
	defer compiled.Close(ctx)

	exports := make([]string, 0, len(compiled.ExportedFunctions()))
	for name := range compiled.ExportedFunctions() {
		exports = append(exports, name)
	}
	sort.Strings(exports)

	caps := make([]string, 0, 2)
	for _, imp := range compiled.ImportedFunctions() {
		modName, _, _ := imp.Import()
		if tag, ok := importCapabilities[modName]; ok {
			caps = append(caps, tag)
		}
	}

	digest := sha256.Sum256(artifact)

	return &Inspection{
		SHA256:               hex.EncodeToString(digest[:]),
		SizeBytes:            int64(len(artifact)),
		Exports:              exports,
		RequiredCapabilities: fleet.NewCapabilitySet(caps...),
	}, nil
}

// Verify checks a declared digest against the artifact bytes.
func Verify(artifact []byte, declaredSHA256 string) error {
	if declaredSHA256 == "" {
		return nil
	}
	digest := sha256.Sum256(artifact)
	actual := hex.EncodeToString(digest[:])
	if actual != declaredSHA256 {
		return fleet.NewPermanentError(
			fmt.Sprintf("artifact digest mismatch: declared %s, got %s", declaredSHA256, actual), nil).
			WithCode(fleet.ErrCodeInvalidArtifact).
			WithOperation("verify")
	}
	return nil
}
