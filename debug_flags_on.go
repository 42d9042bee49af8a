//go:build debug

package main

// Debug builds trace every frame to net-debug.log and always open debug.log.

func debugEnabled() bool {
	return true
}
