package format

import "time"

// DerefString safely dereferences a *string and returns a default value if nil.
func DerefString(s *string, defaultVal string) string {
	if s != nil {
		return *s
	}
	return defaultVal
}

// DerefTime formats a *time.Time with the given layout, or returns a
// placeholder when the pointer is nil.
func DerefTime(t *time.Time, layout, placeholder string) string {
	if t == nil || t.IsZero() {
		return placeholder
	}
	return t.Format(layout)
}
