// Package testing is imported for side effects by tests that build the HTTP stack.
// It marks the process as a test run and supplies throwaway secrets so LoadConfig succeeds.
package testing

import "os"

var defaults = map[string]string{
	"PROPLEDGER_TEST_MODE": "1",
	"SESSION_SECRET":       "test-session-secret",
	"CSRF_SECRET":          "test-csrf-secret",
}

func init() {
	for key, value := range defaults {
		if _, set := os.LookupEnv(key); !set {
			_ = os.Setenv(key, value)
		}
	}
}
