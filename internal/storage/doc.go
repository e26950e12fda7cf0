// Package storage stages module content before it is mounted.
//
// In direct mode layers read straight from the module directory. Otherwise
// active modules are copied onto a staging area, a tmpfs or a loop-mounted
// ext4 image, and the mount plan points at the copies:
//   - Setup mounts the area once per boot and reuses it afterwards
//   - Sync prunes orphaned copies, recopies modules whose module.prop
//     changed, swaps each copy in from .tmp_<id> with a rename and marks
//     .replace directories with the overlay opaque xattr
//   - Release detaches the area after an unmount
package storage
