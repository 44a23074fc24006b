package store

import (
	"sort"
)

// FileMetadata describes one segment file. Identity is the triple
// (Name, Length, Checksum); two files with matching identity are considered
// byte-identical regardless of where they come from. WriterGeneration records
// the generation of the writer that produced the file and is carried for
// bookkeeping, it is not part of the identity.
type FileMetadata struct {
	Name             string `json:"name"`
	Length           int64  `json:"length"`
	Checksum         string `json:"checksum"`
	WriterGeneration int64  `json:"writer_generation"`
}

// SameIdentity reports whether m and o have the same identity. All three
// fields must match exactly. A checksum match alone with differing lengths is
// not sufficient, this guards against checksum collisions across files of
// different size.
func (m FileMetadata) SameIdentity(o FileMetadata) bool {
	return m.Name == o.Name && m.Length == o.Length && m.Checksum == o.Checksum
}

// FileInventory is the immutable, name-ordered file set of one store: the
// local target, the live source, or a snapshot manifest. It is built fresh at
// the start of every recovery attempt and only ever compared, never mutated.
type FileInventory struct {
	files  []FileMetadata
	byName map[string]FileMetadata
}

// NewFileInventory builds an inventory from files. The input slice is copied
// and sorted by name. Duplicate names are not allowed and panic, an inventory
// with two files of the same name cannot come from a consistent store.
func NewFileInventory(files []FileMetadata) FileInventory {
	sorted := make([]FileMetadata, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	byName := make(map[string]FileMetadata, len(sorted))
	for _, f := range sorted {
		if _, ok := byName[f.Name]; ok {
			panic("duplicate file name in inventory: " + f.Name)
		}
		byName[f.Name] = f
	}

	return FileInventory{files: sorted, byName: byName}
}

// Files returns the files in name order. The caller must not modify the
// returned slice.
func (inv FileInventory) Files() []FileMetadata {
	return inv.files
}

// Get returns the metadata for name.
func (inv FileInventory) Get(name string) (FileMetadata, bool) {
	m, ok := inv.byName[name]
	return m, ok
}

// Len returns the number of files.
func (inv FileInventory) Len() int {
	return len(inv.files)
}

// TotalBytes returns the sum of all file lengths.
func (inv FileInventory) TotalBytes() int64 {
	var sum int64
	for _, f := range inv.files {
		sum += f.Length
	}
	return sum
}
