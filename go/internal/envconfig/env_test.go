package envconfig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	t.Setenv("MATCHSYNC_TEST_URL", "ws://field-1:3001/socket")
	assert.Equal(t, "ws://field-1:3001/socket", String("MATCHSYNC_TEST_URL", "ws://localhost"))

	t.Setenv("MATCHSYNC_TEST_URL", "")
	assert.Equal(t, "ws://localhost", String("MATCHSYNC_TEST_URL", "ws://localhost"))
}

func TestInt(t *testing.T) {
	t.Setenv("MATCHSYNC_TEST_N", "7")
	assert.Equal(t, 7, Int("MATCHSYNC_TEST_N", 5))

	t.Setenv("MATCHSYNC_TEST_N", "seven")
	assert.Equal(t, 5, Int("MATCHSYNC_TEST_N", 5))
}

func TestDuration(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"45s", 45 * time.Second},
		{"250ms", 250 * time.Millisecond},
		{"1500", 1500 * time.Millisecond},
		{"soon", 30 * time.Second},
		{"", 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("MATCHSYNC_TEST_D", tt.value)
			assert.Equal(t, tt.want, Duration("MATCHSYNC_TEST_D", 30*time.Second))
		})
	}
}
