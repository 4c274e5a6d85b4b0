// Package merge folds pending local mutations onto server-derived records.
//
// Everything here is pure: inputs are values, outputs are new values, and no
// function touches storage. Callers may run these on every read.
package merge

// VoteState is the vote-related slice of a record.
type VoteState struct {
	Score int `json:"score"`
	// Likes is the direction already reflected in Score: -1, 0 or 1.
	Likes int `json:"likes"`
	Ups   int `json:"ups"`
	Downs int `json:"downs"`
}

// Vote moves current to direction. The score shifts by the difference
// between direction and the direction current already carries, and the
// account's vote moves between the ups and downs buckets. Applying the same
// direction twice is a no-op.
func Vote(current VoteState, direction int) VoteState {
	direction = clampDirection(direction)
	previous := clampDirection(current.Likes)

	baseUps, baseDowns := current.Ups, current.Downs
	switch previous {
	case 1:
		baseUps--
	case -1:
		baseDowns--
	}

	next := VoteState{
		Score: current.Score + direction - previous,
		Likes: direction,
		Ups:   baseUps,
		Downs: baseDowns,
	}
	switch direction {
	case 1:
		next.Ups++
	case -1:
		next.Downs++
	}
	return next
}

func clampDirection(direction int) int {
	switch {
	case direction > 0:
		return 1
	case direction < 0:
		return -1
	default:
		return 0
	}
}
