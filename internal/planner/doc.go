// Package planner turns a module scan into mount decisions.
//
// The planner is pure: it reads module trees and rules but never mounts.
// It produces a deterministic MountPlan (partition targets, module layers in
// stack order, and the strategy for each layer) and runs the cross-module
// conflict analysis ("winnowing").
//
// Key responsibilities:
//   - Resolve partition targets through symlinks
//   - Order module layers by configured priority, then module id
//   - Pick overlay or magic per module and partition
//   - Report every path contributed by two or more modules
package planner
