package db

import "testing"

func TestOpenRejectsBadDSN(t *testing.T) {
	for _, dsn := range []string{"", "not-a-dsn", "postgres://"} {
		pool, err := Open(dsn)
		if err == nil {
			if pool != nil {
				pool.Close()
			}
			t.Errorf("Open(%q) should fail", dsn)
		}
		if pool != nil {
			t.Errorf("Open(%q) should return a nil pool on error", dsn)
		}
	}
}
