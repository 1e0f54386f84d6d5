package util

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		hexLength  int
		wantLength int
	}{
		{"job ID format", "job_", 32, 36},
		{"outbox ID format", "obx_", 32, 36},
		{"zero length", "x_", 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateRandomID(tt.prefix, tt.hexLength)
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("GenerateRandomID() = %v, want prefix %v", got, tt.prefix)
			}
			if len(got) != tt.wantLength {
				t.Errorf("GenerateRandomID() length = %v, want %v", len(got), tt.wantLength)
			}
			if strings.Trim(got[len(tt.prefix):], "0123456789abcdef") != "" {
				t.Errorf("GenerateRandomID() = %v has non-hex suffix", got)
			}
		})
	}
}

func TestRandomIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateRandomID("test_", 16)
		if seen[id] {
			t.Fatalf("duplicate ID %v", id)
		}
		seen[id] = true
	}
}

func TestNewConversationID(t *testing.T) {
	a, b := NewConversationID(), NewConversationID()
	if a == b || len(a) != 36 {
		t.Errorf("NewConversationID() = %q, %q", a, b)
	}
}

func TestPickIndex(t *testing.T) {
	if PickIndex(0) != 0 || PickIndex(1) != 0 {
		t.Error("PickIndex should return 0 for n <= 1")
	}
	for i := 0; i < 100; i++ {
		if got := PickIndex(3); got < 0 || got >= 3 {
			t.Fatalf("PickIndex(3) = %d", got)
		}
	}
}

func TestParseEnvHelpers(t *testing.T) {
	t.Setenv("DP_BOOL", "yes")
	t.Setenv("DP_BAD_BOOL", "maybe")
	t.Setenv("DP_INT", "42")
	t.Setenv("DP_BAD_INT", "forty")
	t.Setenv("DP_DUR", "250ms")
	t.Setenv("DP_DUR_SECS", "2.5")
	t.Setenv("DP_STR", "value")

	if !ParseBoolEnv("DP_BOOL", false) {
		t.Error("ParseBoolEnv(yes) = false")
	}
	if !ParseBoolEnv("DP_BAD_BOOL", true) {
		t.Error("invalid bool should return default")
	}
	if ParseIntEnv("DP_INT", 0) != 42 || ParseIntEnv("DP_BAD_INT", 7) != 7 || ParseIntEnv("DP_UNSET_INT", 9) != 9 {
		t.Error("ParseIntEnv returned unexpected values")
	}
	if ParseDurationEnv("DP_DUR", 0) != 250*time.Millisecond {
		t.Error("ParseDurationEnv(250ms) mismatch")
	}
	if ParseDurationEnv("DP_DUR_SECS", 0) != 2500*time.Millisecond {
		t.Error("ParseDurationEnv(2.5) mismatch")
	}
	if GetEnv("DP_STR", "d") != "value" || GetEnv("DP_UNSET_STR", "d") != "d" {
		t.Error("GetEnv returned unexpected values")
	}
}
