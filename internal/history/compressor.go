package history

// SimpleCompressor keeps only the last MaxMessages entries.
type SimpleCompressor struct {
	MaxMessages int
}

// Compress truncates entries to the most recent MaxMessages.
func (c SimpleCompressor) Compress(entries []Entry) []Entry {
	if c.MaxMessages <= 0 || len(entries) <= c.MaxMessages {
		return entries
	}
	return entries[len(entries)-c.MaxMessages:]
}
