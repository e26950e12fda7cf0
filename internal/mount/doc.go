// Package mount attaches module content to the live partitions.
//
// Each mount pass takes a planner.MountPlan and works through it one
// partition at a time. Partitions whose targets nest (/system and
// /system/product) mount in sequence, outer first; unrelated partitions
// mount in parallel. Within a partition, layers are attached in mount
// order so later modules sit on top.
//
// Key concepts:
//   - Overlay: one OverlayFS union per module per partition, stacked on
//     the target with the target's current view as the bottom layer
//   - Magic: per-node bind mounts, mirroring a directory onto tmpfs when
//     a module adds entries it does not already have
//   - Journal: every mount is recorded in state.RuntimeState so a repeated
//     pass is a no-op and unmounting runs newest first per partition
//   - Fallback: an overlay the kernel refuses is retried as magic
//
// A failing module is unwound and reported without affecting the rest.
package mount
