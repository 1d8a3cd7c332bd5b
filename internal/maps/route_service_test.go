package maps

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{in: 10 * time.Second, want: "1 min"},
		{in: 90 * time.Second, want: "2 mins"},
		{in: 12 * time.Minute, want: "12 mins"},
		{in: time.Hour, want: "1 hour"},
		{in: 65 * time.Minute, want: "1 hour 5 mins"},
		{in: 2*time.Hour + time.Minute, want: "2 hours 1 min"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatDuration(tc.in), tc.in.String())
	}
}

func TestTravelMode(t *testing.T) {
	assert.Equal(t, "driving", string(travelMode(ModeDriving)))
	assert.Equal(t, "walking", string(travelMode(ModeWalking)))
	assert.Equal(t, "driving", string(travelMode("")))
}
