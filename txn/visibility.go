package txn

// Visible implements the snapshot-isolation visibility rule: a reader
// with start timestamp asOf sees a version written by writer iff the
// writer committed strictly before asOf, or the version was written by
// the same transaction the reader is running as. Active and aborted
// writers are never visible to anyone but themselves mid-transaction.
func Visible(writer *Status, asOf Timestamp, reader Handle) bool {
	if writer.handle == reader {
		return true
	}
	commitTS, committed := writer.Committed()
	if !committed {
		return false
	}
	return commitTS < asOf
}

// ConflictsWith reports whether a writer attempting to modify a key
// already written by other must roll back: true when other is a
// concurrent writer of the same key that has since committed, meaning
// the snapshot writer's view of the key is stale.
func ConflictsWith(other *Status, readerStartTS Timestamp) bool {
	commitTS, committed := other.Committed()
	if !committed {
		return false
	}
	return commitTS >= readerStartTS
}
