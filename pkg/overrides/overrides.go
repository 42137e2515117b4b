// Package overrides applies user tweaks to process builders after an input
// generator has filled them. The path helpers cover targeted edits such as
// raising a cutoff or dropping a namespace; Starlark scripts cover
// anything programmatic.
package overrides

import (
	"github.com/atomflow/atomflow/pkg/runtime"
)

// UpdateDict recursively merges values into the namespace at a
// dot-separated path, creating it when absent. Nested maps merge key by
// key; any other value replaces the existing one.
func UpdateDict(b *runtime.Builder, path string, values map[string]interface{}) error {
	return b.Merge(path, values)
}

// SetNode assigns a value at a dot-separated path, creating intermediate
// namespaces as needed.
func SetNode(b *runtime.Builder, path string, value interface{}) error {
	return b.Set(path, value)
}

// RemoveNode removes the value at a dot-separated path. Removing a missing
// path is a no-op.
func RemoveNode(b *runtime.Builder, path string) {
	b.Delete(path)
}
