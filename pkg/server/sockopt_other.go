//go:build !unix

package server

// setSocketOptions is a no-op on platforms without SO_REUSEADDR semantics
func setSocketOptions(fd uintptr) error {
	return nil
}
