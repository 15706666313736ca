package replicator

// BuildChunks wraps packets into chunks indexed densely from 0 in input order.
func BuildChunks(packets []Packet) []Chunk {
	out := make([]Chunk, 0, len(packets))
	for i, p := range packets {
		out = append(out, Chunk{Index: i, Packet: p})
	}
	return out
}
