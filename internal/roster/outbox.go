package roster

import "sort"

func sortEntries(entries []OutboxEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
}
