// Package chunkplan maps a file size and a chunk size to the ordered byte ranges a transfer
// moves one request at a time.
package chunkplan

import "fmt"

// Range is the half-open byte interval [Start, End) covered by chunk Index.
type Range struct {
	Index int64
	Start int64
	End   int64
}

// Len returns the number of bytes covered by the range.
func (r Range) Len() int64 {
	return r.End - r.Start
}

func mustPositive(chunkSize int64) {
	if chunkSize <= 0 {
		panic(fmt.Sprintf("chunkplan: chunk size must be positive, got %d", chunkSize))
	}
}

// Count returns the number of chunks needed to cover totalSize bytes.
func Count(totalSize, chunkSize int64) int64 {
	mustPositive(chunkSize)

	if totalSize <= 0 {
		return 0
	}

	return (totalSize + chunkSize - 1) / chunkSize
}

// RangeOf returns the byte range of chunk index.
func RangeOf(index, totalSize, chunkSize int64) Range {
	mustPositive(chunkSize)

	start := index * chunkSize
	end := min(start+chunkSize, totalSize)

	return Range{Index: index, Start: start, End: end}
}

// IndexOf returns the index of the chunk containing offset.
func IndexOf(offset, chunkSize int64) int64 {
	mustPositive(chunkSize)

	return offset / chunkSize
}

// Plan returns every chunk range of a totalSize-byte file in index order.
func Plan(totalSize, chunkSize int64) []Range {
	count := Count(totalSize, chunkSize)
	ranges := make([]Range, 0, count)

	for i := int64(0); i < count; i++ {
		ranges = append(ranges, RangeOf(i, totalSize, chunkSize))
	}

	return ranges
}
