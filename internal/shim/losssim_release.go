//go:build !debug

package shim

// lossSimDrop never activates outside debug builds.
func lossSimDrop() bool { return false }
