package docstore

const (
	prefixDoc = "doc/"
	prefixIdx = "idx/"
)

// docKey returns the primary key for a document.
// Format: doc/{pk}/{id}
func docKey(pk, id string) []byte {
	return []byte(prefixDoc + pk + "/" + id)
}

// idxKey returns the sort index key for a document.
// Format: idx/{pk}/{sortKey}/{id}
func idxKey(pk, sortKey, id string) []byte {
	return []byte(prefixIdx + pk + "/" + sortKey + "/" + id)
}

// idxLowerBound returns the first possible index key at or above sortLow.
func idxLowerBound(pk, sortLow string) []byte {
	return []byte(prefixIdx + pk + "/" + sortLow)
}

// idxUpperBound returns an exclusive upper bound that still includes every id
// stored under sortHigh. Sort keys within one partition are fixed width, so
// appending 0xFF after the sort key cannot skip past sibling keys.
func idxUpperBound(pk, sortHigh string) []byte {
	b := []byte(prefixIdx + pk + "/" + sortHigh)
	return append(b, 0xFF)
}

// idKeySuffix extracts the document id from an index key tail. Index keys end
// with "/{id}" and ids never contain '/'.
func idFromIdxKey(key []byte) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return string(key[i+1:])
		}
	}
	return ""
}
