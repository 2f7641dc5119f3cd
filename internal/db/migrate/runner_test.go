package migrate

import "testing"

func TestRunRejectsEmptyDSN(t *testing.T) {
	if err := Run("", "up"); err == nil {
		t.Fatal("empty DSN should be rejected")
	}
}

func TestRunRejectsBadDirection(t *testing.T) {
	if err := Run("postgres://localhost/db", "sideways"); err == nil {
		t.Fatal("unknown direction should be rejected")
	}
}
