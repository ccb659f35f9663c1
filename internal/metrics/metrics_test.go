package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveBeforeInitIsNoop(t *testing.T) {
	if resolutionsTotal != nil {
		t.Skip("collectors already initialized by another test")
	}
	ObserveResolution("backup")
	ObserveResolutionFailure("exhausted")
	ObserveBackupWrite("ok")
	ObserveAlertFlag("Finished")
	ObserveNotification("sent")
	ObserveControlAction("stop", "ok")
	SetTrackedJobs(3)
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if resolutionsTotal == nil || alertFlagsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveCounters(t *testing.T) {
	Init()

	before := testutil.ToFloat64(resolutionsTotal.WithLabelValues("text"))
	ObserveResolution("")
	if got := testutil.ToFloat64(resolutionsTotal.WithLabelValues("text")); got != before+1 {
		t.Errorf("expected text resolutions to be %f, got %f", before+1, got)
	}

	before = testutil.ToFloat64(controlActionsTotal.WithLabelValues("forcestop", "error"))
	ObserveControlAction("forcestop", "error")
	if got := testutil.ToFloat64(controlActionsTotal.WithLabelValues("forcestop", "error")); got != before+1 {
		t.Errorf("expected forcestop errors to be %f, got %f", before+1, got)
	}

	SetTrackedJobs(7)
	if got := testutil.ToFloat64(trackedJobs); got != 7 {
		t.Errorf("expected tracked jobs gauge to be 7, got %f", got)
	}
}
