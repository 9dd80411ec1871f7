package nanocb

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestMain(m *testing.M) {
	// Preemption warnings are expected in tests.
	// Set DEBUG_TESTS=1 to see full logs: DEBUG_TESTS=1 go test ./nanocb/... -v
	if os.Getenv("DEBUG_TESTS") == "" {
		logrus.SetLevel(logrus.ErrorLevel)
	}
	os.Exit(m.Run())
}
