package tracking

import (
	"testing"
	"time"
)

// Without a metrics SDK installed the instruments are no-op; recording
// must still be safe from any goroutine.
func TestRecordingWithoutSDKDoesNotPanic(t *testing.T) {
	ResetForTesting()

	RecordHit("l1")
	RecordHit("l2")
	RecordMiss()
	RecordStaleHit()
	RecordLatency("get", 3*time.Millisecond)
	RecordEviction("expired")
	RecordSize(10, 2048)
	RecordCoalesce()
}

func TestResetForTesting(t *testing.T) {
	RecordMiss()
	ResetForTesting()
	// Re-initializes lazily on the next record.
	RecordMiss()
}
