package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLocation(t *testing.T) {
	cases := []struct {
		in   string
		want Location
		ok   bool
	}{
		{"52.52, 13.405", Location{52.52, 13.405, 50}, true},
		{"52.52,13.405,25", Location{52.52, 13.405, 25}, true},
		{"52.52 13.405", Location{52.52, 13.405, 50}, true},
		{"  -33.86; 151.21 ", Location{-33.86, 151.21, 50}, true},
		{"", Location{}, false},
		{"52.52", Location{}, false},
		{"91, 10", Location{}, false},
		{"10, 181", Location{}, false},
		{"52.52, 13.405, -5", Location{}, false},
		{"abc, def", Location{}, false},
		{"1, 2, 3, 4", Location{}, false},
	}
	for _, tc := range cases {
		got, ok := ParseLocation(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		if tc.ok {
			assert.Equal(t, tc.want, got, tc.in)
		}
	}
}
