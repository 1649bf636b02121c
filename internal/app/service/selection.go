package service

import (
	"hash/fnv"
	"math/rand"
	"sort"
)

// pickProblems draws n problem ids for a room. The draw is seeded by the
// room id, so the same room over the same bank always gets the same set.
func pickProblems(roomID string, ids []string, n int) []string {
	pool := append([]string(nil), ids...)
	sort.Strings(pool)

	h := fnv.New64a()
	h.Write([]byte(roomID))
	r := rand.New(rand.NewSource(int64(h.Sum64())))

	if n > len(pool) {
		n = len(pool)
	}
	out := make([]string, 0, n)
	for _, i := range r.Perm(len(pool))[:n] {
		out = append(out, pool[i])
	}
	return out
}
