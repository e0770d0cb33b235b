package app

import (
	"os"
	"strconv"
)

const testModeEnv = "PROPLEDGER_TEST_MODE"

// InTestMode reports whether PROPLEDGER_TEST_MODE holds a true value.
// The binaries return before dialing Postgres or Redis when it does.
func InTestMode() bool {
	on, err := strconv.ParseBool(os.Getenv(testModeEnv))
	return err == nil && on
}
