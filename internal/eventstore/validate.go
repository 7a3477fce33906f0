package eventstore

import "strings"

const maxStreamIDLength = 255

// IsValidStreamID reports whether id satisfies the stream-id grammar:
// length in [1, 255] and every character alphanumeric, '-', '_' or '/'.
func IsValidStreamID(id string) bool {
	if len(id) == 0 || len(id) > maxStreamIDLength {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '/':
		default:
			return false
		}
	}
	return true
}

// PartitionKey derives the partition key from a stream id: the
// substring preceding the first '/', or the whole id if there is none.
func PartitionKey(streamID string) string {
	if i := strings.IndexByte(streamID, '/'); i >= 0 {
		return streamID[:i]
	}
	return streamID
}
