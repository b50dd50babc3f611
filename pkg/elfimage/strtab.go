package elfimage

import "bytes"

// StringTable is a buffer of NUL-terminated strings addressed by byte offset.
type StringTable struct {
	data []byte
}

func (t StringTable) Len() int {
	return len(t.data)
}

// Lookup returns the string starting at index. A string missing its
// terminator runs to the end of the table.
func (t StringTable) Lookup(index uint32) (string, bool) {
	if uint64(index) >= uint64(len(t.data)) {
		return "", false
	}
	s := t.data[index:]
	if end := bytes.IndexByte(s, 0); end >= 0 {
		s = s[:end]
	}
	return string(s), true
}

func (t StringTable) clone() StringTable {
	return StringTable{data: bytes.Clone(t.data)}
}
