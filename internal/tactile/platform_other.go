//go:build !linux

package tactile

// applyResourceLimits is a no-op outside Linux; the wall-clock timeout and
// output cap still apply.
func applyResourceLimits(pid int, limits *ResourceLimits) error {
	return nil
}
