package storage

import (
	"testing"
)

// openTestStore returns a Store backed by an in-memory database.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strPtr(s string) *string          { return &s }
func intPtr(i int) *int                { return &i }
func int64Ptr(i int64) *int64          { return &i }
func f64Ptr(f float64) *float64        { return &f }
func statusPtr(s JobStatus) *JobStatus { return &s }
