package insert

import (
	"time"

	"github.com/lib/pq"
)

// maxParams is the PostgreSQL wire limit of parameters per statement.
const maxParams = 65535

// Split packs items greedily, in order, into batches whose summed size
// stays within max. An item larger than max forms a batch by itself.
// A max of zero or less disables splitting.
func Split[T any](items []T, size func(T) int, max int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if max <= 0 {
		return [][]T{items}
	}

	var (
		out   [][]T
		cur   []T
		total int
	)
	for _, it := range items {
		n := size(it)
		if len(cur) > 0 && total+n > max {
			out = append(out, cur)
			cur, total = nil, 0
		}
		cur = append(cur, it)
		total += n
	}
	return append(out, cur)
}

// chunk cuts items into slices of at most n.
func chunk[T any](items []T, n int) [][]T {
	if n <= 0 {
		n = 1
	}
	var out [][]T
	for len(items) > n {
		out = append(out, items[:n])
		items = items[n:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

// estimateSize approximates the bytes a driver value takes on the wire.
func estimateSize(v any) int {
	switch t := v.(type) {
	case nil:
		return 4
	case string:
		return len(t) + 2
	case []byte:
		return len(t) + 2
	case bool:
		return 5
	case time.Time:
		return 32
	case pq.StringArray:
		n := 2
		for _, s := range t {
			n += len(s) + 3
		}
		return n
	}
	return 8
}

func rowSize(r row) int {
	n := 0
	for _, v := range r.values {
		n += estimateSize(v)
	}
	return n
}
