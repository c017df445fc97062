package checkin

// IsNonPaying reports whether any collected attribute carries the configured
// non-paying category value. An empty configuration never matches.
func IsNonPaying(attrs []Attribute, nonPayingValue string) bool {
	if nonPayingValue == "" {
		return false
	}
	for _, a := range attrs {
		if a.Value == nonPayingValue {
			return true
		}
	}
	return false
}

// MergeAttributes collapses duplicates by attribute type, keeping the last
// value written for each type. Order follows the first occurrence of a type.
func MergeAttributes(attrs []Attribute) []Attribute {
	if len(attrs) == 0 {
		return nil
	}
	index := make(map[string]int, len(attrs))
	merged := make([]Attribute, 0, len(attrs))
	for _, a := range attrs {
		if i, ok := index[a.AttributeType]; ok {
			merged[i] = a
			continue
		}
		index[a.AttributeType] = len(merged)
		merged = append(merged, a)
	}
	return merged
}
