// Package guard switches the process into test mode when imported, so test
// binaries that link the mains never dial real infrastructure.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("ODYSSEY_TEST_MODE") == "" {
			_ = os.Setenv("ODYSSEY_TEST_MODE", "1")
		}
		if os.Getenv("NFE_API_URL") == "" {
			_ = os.Setenv("NFE_API_URL", "http://127.0.0.1:0")
		}
	})
}
