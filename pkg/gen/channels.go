package gen

// DrainChannelIntoSlice reads from a channel until it is empty, and returns all items in a slice
func DrainChannelIntoSlice[T any](ch chan T) []T {
	done := false
	slice := make([]T, 0, len(ch)) // optimize for the common case where we're the only reader
	for !done {
		select {
		case v := <-ch:
			slice = append(slice, v)
		default:
			done = true
		}
	}
	return slice
}

// TrySend sends v on ch, unless ch is at least 90% full, in which case v is dropped.
// Returns false if v was dropped.
// SYNC-WATCHER-CHANNEL-SIZE
func TrySend[T any](ch chan T, v T) bool {
	if len(ch) >= cap(ch)*9/10 {
		return false
	}
	select {
	case ch <- v:
		return true
	default:
		return false
	}
}
