//go:build !unix

package disk

import "os"

// Without advisory locks only the in-process key mutex serializes writers.
func lockFile(*os.File) error   { return nil }
func unlockFile(*os.File) error { return nil }
