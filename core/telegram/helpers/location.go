package helpers

import (
	"strconv"
	"strings"
)

// Location is a parsed coordinate pair with an optional accuracy in meters.
type Location struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
}

// ParseLocation parses free-form coordinate input used in Telegram flows:
// "lat, lon" or "lat, lon, accuracy". Separators may be commas or whitespace.
// It returns false when the input cannot be parsed or is out of range.
func ParseLocation(input string) (Location, bool) {
	s := strings.TrimSpace(input)
	if s == "" {
		return Location{}, false
	}
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t'
	})
	if len(fields) < 2 || len(fields) > 3 {
		return Location{}, false
	}

	lat, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || lat < -90 || lat > 90 {
		return Location{}, false
	}
	lon, err := strconv.ParseFloat(fields[1], 64)
	if err != nil || lon < -180 || lon > 180 {
		return Location{}, false
	}

	loc := Location{Latitude: lat, Longitude: lon, Accuracy: 50}
	if len(fields) == 3 {
		acc, err := strconv.ParseFloat(fields[2], 64)
		if err != nil || acc <= 0 {
			return Location{}, false
		}
		loc.Accuracy = acc
	}
	return loc, true
}
