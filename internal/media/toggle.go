package media

// Toggle flips every track of kind on stream to the negation of the first
// track's enabled flag and returns the new value. A nil stream or a stream
// without tracks of kind is left untouched and reports false.
func Toggle(stream *Stream, kind Kind) bool {
	if stream == nil {
		return false
	}

	tracks := stream.TracksOf(kind)
	if len(tracks) == 0 {
		return false
	}

	next := !tracks[0].Enabled()
	for _, t := range tracks {
		t.SetEnabled(next)
	}
	return next
}
