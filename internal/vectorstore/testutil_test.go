package vectorstore

import (
	"hash/fnv"
	"math"
	"strings"
)

const testDim = 64

// hashVector is a deterministic bag-of-words embedding: texts sharing words
// point in similar directions.
func hashVector(text string) []float32 {
	v := make([]float32, testDim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%testDim] += 1
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}

func testChunks(documentID, institution string, contents ...string) []Chunk {
	out := make([]Chunk, len(contents))
	for i, c := range contents {
		out[i] = Chunk{
			DocumentID:  documentID,
			Index:       i,
			Content:     c,
			Vector:      hashVector(c),
			PageNumber:  i/2 + 1,
			LineStart:   i*10 + 1,
			LineEnd:     i*10 + 9,
			Institution: institution,
			Title:       "Title " + documentID,
		}
	}
	return out
}
