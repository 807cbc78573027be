// Package engine plans and executes the build pipeline.
//
// The planner expands selections (components x distributions x stages,
// or templates, the installer, or chroot caches) into job units,
// resolving per-unit executors through the configuration's override
// layers and validating the component dependency graph up front.
// Anything that can be rejected before execution is a configuration
// error raised at plan time.
//
// The scheduler runs the plan stage by stage: stages serialize
// globally, units within a stage run on a bounded worker pool. Each
// unit resolves its handler into a recipe, computes a content
// fingerprint, skips when its marker is already satisfied, and
// otherwise drives the recipe through a cage and records a fresh
// marker. Failures are classified, stop at the failing tuple, and
// block its later stages and dependent components; independent tuples
// keep running.
package engine
