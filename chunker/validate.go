package chunker

import (
	"fmt"

	"distcoder/models"
)

// ValidateChunks checks a planned chunk sequence for completeness and
// correctness:
//   - sequence numbers start at 0 and have no gaps
//   - every chunk is internally valid
//   - every chunk after the first starts each of its streams at a split point
//   - a stream's timestamps never decrease across chunk boundaries
func ValidateChunks(chunks []*models.Chunk) error {
	if len(chunks) == 0 {
		return fmt.Errorf("chunk list is empty")
	}

	lastTS := make(map[int]int64)
	for i, chunk := range chunks {
		if chunk.Sequence != uint64(i) {
			return fmt.Errorf("chunk %d has incorrect sequence: expected %d, got %d", i, i, chunk.Sequence)
		}

		if err := chunk.Validate(); err != nil {
			return fmt.Errorf("chunk %d is invalid: %w", i, err)
		}

		started := make(map[int]bool)
		for j, pk := range chunk.Packets {
			if !started[pk.StreamID] {
				started[pk.StreamID] = true
				if i > 0 && !pk.SplitPoint {
					return fmt.Errorf("chunk %d starts stream %d at packet %d, which is not a split point",
						i, pk.StreamID, j)
				}
			}
			if prev, ok := lastTS[pk.StreamID]; ok && pk.Timestamp < prev {
				return fmt.Errorf("chunk %d: stream %d goes back in time (%d < %d)", i, pk.StreamID, pk.Timestamp, prev)
			}
			lastTS[pk.StreamID] = pk.Timestamp
		}
	}

	return nil
}
