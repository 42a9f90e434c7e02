package migrate

import (
	"errors"
	"strings"
	"testing"
)

func TestRun_EmptyDSN(t *testing.T) {
	for _, dsn := range []string{"", "   "} {
		if err := Run(dsn, Up); !errors.Is(err, ErrNoDSN) {
			t.Errorf("Run(%q) err = %v, want ErrNoDSN", dsn, err)
		}
	}
	if _, _, err := Version(""); !errors.Is(err, ErrNoDSN) {
		t.Errorf("Version err = %v, want ErrNoDSN", err)
	}
}

func TestRun_InvalidDirection(t *testing.T) {
	for _, direction := range []string{"", "invalid", "UP", "Down", "both"} {
		t.Run(direction, func(t *testing.T) {
			err := Run("postgres://localhost/test", direction)
			if err == nil || !strings.Contains(err.Error(), "direction") {
				t.Errorf("Run(direction %q) err = %v, want direction error", direction, err)
			}
		})
	}
}

func TestRun_InvalidDSN(t *testing.T) {
	testCases := []struct {
		name string
		dsn  string
	}{
		{"invalid format", "invalid-dsn"},
		{"missing scheme", "://localhost/test"},
		{"spaces", "postgres://localhost with spaces/test"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := Run(tc.dsn, Up); err == nil {
				t.Errorf("Run(%q) should fail", tc.dsn)
			}
		})
	}
}
