//go:build !linux && !darwin

package disk

func isNFS(string) bool { return false }
