package reqlog

import "fmt"

// Cursor addresses a position in the segment sequence. Count is the number
// of records in the segment before Offset.
type Cursor struct {
	FileIndex int64 `json:"file_index"`
	Offset    int64 `json:"offset"`
	Count     int64 `json:"count"`
}

// Compare orders cursors by (FileIndex, Offset).
func (c Cursor) Compare(o Cursor) int {
	switch {
	case c.FileIndex < o.FileIndex:
		return -1
	case c.FileIndex > o.FileIndex:
		return 1
	case c.Offset < o.Offset:
		return -1
	case c.Offset > o.Offset:
		return 1
	}
	return 0
}

func (c Cursor) String() string {
	return fmt.Sprintf("%d:%d#%d", c.FileIndex, c.Offset, c.Count)
}
