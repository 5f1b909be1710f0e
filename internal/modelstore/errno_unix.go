//go:build !windows

package modelstore

import "syscall"

// A path whose parent is a regular file reports ENOTDIR; treat it as absent.
var syscallENOTDIR error = syscall.ENOTDIR
