package app

import (
	"os"
	"sync"
)

const testModeEnv = "CSIMS_TEST_MODE"

// InTestMode reports whether CSIMS_TEST_MODE=1 was set when first asked. The
// binaries return before connecting to Postgres or Redis in that mode.
var InTestMode = sync.OnceValue(testModeFromEnv)

func testModeFromEnv() bool {
	return os.Getenv(testModeEnv) == "1"
}
