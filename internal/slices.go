package internal

// DeleteZeroed deletes zero values in-place contained within the
// slice and returns the modified slice without zero values.
// Does not modify capacity.
func DeleteZeroed[T comparable](a []T) []T {
	var z T
	off := 0
	for i := range a {
		if a[i] != z {
			a[off] = a[i]
			off++
		}
	}
	clear(a[off:])
	return a[:off]
}

// ZeroFirst sets the first element of a equal to v to the zero value.
// It returns false if v was not found.
func ZeroFirst[T comparable](a []T, v T) bool {
	for i := range a {
		if a[i] == v {
			var z T
			a[i] = z
			return true
		}
	}
	return false
}
