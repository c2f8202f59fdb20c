package utils

// GroupBy calls out once per group of elements equal under eq.
//
// It works by repeatedly partitioning out of the remaining elements the
// maximal sub-sequence equal (under eq) to the first remaining element. The
// partitioning is stable: within a group, and across groups, the original
// order of elements is preserved.
func GroupBy[T any](elements []T, eq func(a, b T) bool, out func(group []T)) {
	remaining := elements
	for len(remaining) > 0 {
		first := remaining[0]
		group := make([]T, 0, len(remaining))
		rest := make([]T, 0, len(remaining))
		for _, element := range remaining {
			if eq(element, first) {
				group = append(group, element)
			} else {
				rest = append(rest, element)
			}
		}
		out(group)
		remaining = rest
	}
}
