//go:build !unix && !windows

package lockfile

import "os"

// No file locking here (js/wasm, plan9): every Acquire succeeds.
func flockExclusive(*os.File) error { return nil }

func flockUnlock(*os.File) error { return nil }
