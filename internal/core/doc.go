// Package core provides the resumable building blocks every pipeline stage is
// executed through.
//
// # Artifact cache
//
// Each stage step is identified by an ArtifactKey: the stage name, the run it
// belongs to (empty for concatenation-level steps) and the parameters that
// shape its outputs. The key hash addresses a CacheEntry recording the
// deterministic output paths the step produced.
//
// Runner.Do is cached-or-compute:
//
//  1. Cache entry present and every output on disk: skip (hit).
//  2. No entry but every output on disk: adopt the outputs and record them.
//  3. Otherwise check declared prerequisites, compute, verify outputs, record.
//
// The cache also remembers which key last recorded each output path. Outputs
// owned by a different key are stale: they neither hit nor get adopted, so
// changing a parameter recomputes the step even when the paths are the same.
// Downstream keys carry the hashes of their upstream steps, so the
// recomputation propagates.
//
// Missing prerequisites are fatal; Do never walks further upstream to
// regenerate them.
//
// # External commands
//
// Executor runs external tools with an allowlisted environment in their own
// process group, so cancellation tears down the whole tree.
package core
