package merge

// Node is the part of a comment listing item that placement looks at.
type Node struct {
	Nesting  int
	Sequence int64
}

// Placement says where a new reply goes: Index is its position in the
// listing, Sequence the sequence it takes (later rows move up by one).
type Placement struct {
	Index    int
	Nesting  int
	Sequence int64
}

// PlaceReply computes the slot of a reply written from the node at position.
// Position 0 is the thread header: its replies keep the header's nesting and
// go to the end of the list. Replies to any other node nest one deeper and go
// after the run of rows directly following it at the reply's nesting. The run
// ends at the first row of any other nesting, so a deeper grandchild ends it.
//
// An empty list places at zero. A position past the end is treated as a reply
// to the header.
func PlaceReply(nodes []Node, position int) Placement {
	if len(nodes) == 0 {
		return Placement{}
	}
	if position <= 0 || position >= len(nodes) {
		return Placement{
			Index:    len(nodes),
			Nesting:  nodes[0].Nesting,
			Sequence: nodes[len(nodes)-1].Sequence + 1,
		}
	}

	nesting := nodes[position].Nesting + 1
	index := position + 1
	for index < len(nodes) && nodes[index].Nesting == nesting {
		index++
	}
	return Placement{
		Index:    index,
		Nesting:  nesting,
		Sequence: nodes[index-1].Sequence + 1,
	}
}
