package strx

// Coalesce returns s, or fallback when s is empty.
func Coalesce(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
