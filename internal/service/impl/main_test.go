package impl

import (
	"os"
	"testing"

	"timetable-sync/internal/observability/metrics"
)

func TestMain(m *testing.M) {
	metrics.MustRegister("impl-test")
	os.Exit(m.Run())
}
