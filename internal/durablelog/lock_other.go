//go:build !unix && !windows

package durablelog

import "os"

// Platforms without advisory locks fall back to the process-local mutex.
func tryLockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
