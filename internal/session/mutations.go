package session

import "tutor-agent/internal/domain"

// removeTrailingErrorsAfter returns a new sequence with every contiguous
// error-status message immediately following index removed. In practice there
// is at most one such message per failed turn, but the scan drops all of them.
func removeTrailingErrorsAfter(msgs []domain.Message, index int) []domain.Message {
	out := make([]domain.Message, 0, len(msgs))
	out = append(out, msgs[:index+1]...)
	i := index + 1
	for i < len(msgs) && msgs[i].Status == domain.StatusError {
		i++
	}
	return append(out, msgs[i:]...)
}

// truncateBefore returns a new sequence containing everything before index.
func truncateBefore(msgs []domain.Message, index int) []domain.Message {
	out := make([]domain.Message, index)
	copy(out, msgs[:index])
	return out
}

// removeAt returns a new sequence with the message at index removed.
func removeAt(msgs []domain.Message, index int) []domain.Message {
	out := make([]domain.Message, 0, len(msgs)-1)
	out = append(out, msgs[:index]...)
	return append(out, msgs[index+1:]...)
}
