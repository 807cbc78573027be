// Package wasmhost loads out-of-tree stage handlers compiled to
// WebAssembly. A handler ships as a directory under a configured
// plugins directory carrying manifest.yml and handler.wasm; the
// manifest names the entry point and packaging family the handler
// serves and pins the module with a sha256 checksum.
//
// A loaded handler speaks the same contract as the builtins: it gets
// the stage request as JSON and answers with a recipe. The module runs
// in a wazero sandbox with no preopened directories and no host
// functions, so it cannot touch the filesystem or the network; like
// every handler, it only describes work for the scheduler to run.
package wasmhost
