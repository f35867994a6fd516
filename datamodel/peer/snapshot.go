package peer

import (
	"sort"
	"time"
)

// Snapshot is an immutable point-in-time copy of the registry.
// Nothing may modify a Snapshot or its records after it has been built.
type Snapshot struct {
	Version uint64
	Taken   time.Time
	Records []*Record // Sorted by identity
}

// NewSnapshot sorts records by identity and wraps them. Ownership of records passes to the
// snapshot.
func NewSnapshot(version uint64, records []*Record) *Snapshot {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Identity < records[j].Identity
	})
	return &Snapshot{
		Version: version,
		Taken:   time.Now(),
		Records: records,
	}
}

// Lookup finds the record of a single peer.
func (s *Snapshot) Lookup(identity string) (*Record, bool) {
	if s == nil {
		return nil, false
	}
	i := sort.Search(len(s.Records), func(i int) bool {
		return s.Records[i].Identity >= identity
	})
	if i < len(s.Records) && s.Records[i].Identity == identity {
		return s.Records[i], true
	}
	return nil, false
}

func (s *Snapshot) Identities() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.Records))
	for _, r := range s.Records {
		ids = append(ids, r.Identity)
	}
	return ids
}

// Owners answers "who has file X" from the snapshot.
func (s *Snapshot) Owners(filename string) []string {
	if s == nil {
		return nil
	}
	var owners []string
	for _, r := range s.Records {
		if r.HasFile(filename) {
			owners = append(owners, r.Identity)
		}
	}
	return owners
}

// FileEntries flattens every record's file set with owner attribution, ordered by filename
// then owner.
func (s *Snapshot) FileEntries() []FileEntry {
	if s == nil {
		return nil
	}
	var entries []FileEntry
	for _, r := range s.Records {
		for _, f := range r.Files {
			entries = append(entries, FileEntry{Filename: f, Owner: r.Identity})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Filename != entries[j].Filename {
			return entries[i].Filename < entries[j].Filename
		}
		return entries[i].Owner < entries[j].Owner
	})
	return entries
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Records)
}
