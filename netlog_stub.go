//go:build !debug

package main

import "io"

// Wire tracing is only compiled into debug builds.

func setNetLogWriter(io.Writer) {}

func logNetMessage(string, []byte) {}
