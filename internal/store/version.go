package store

import (
	"cmp"
	"fmt"
)

// Version identifies one committed snapshot.
//
// Seq is the logical commit sequence number and defines the total order of
// versions. Index is the in-process snapshot slot the version was installed
// in; it is diagnostic only and never takes part in comparisons.
type Version struct {
	Seq   uint64 `json:"seq"`
	Index uint64 `json:"index"`
}

// Compare orders versions by Seq.
func (v Version) Compare(o Version) int {
	return cmp.Compare(v.Seq, o.Seq)
}

// Less reports whether v precedes o.
func (v Version) Less(o Version) bool {
	return v.Seq < o.Seq
}

func (v Version) String() string {
	return fmt.Sprintf("v%d", v.Seq)
}
