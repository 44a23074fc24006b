package snapshot

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/lodestone-search/lodestone/internal/errors"
	"github.com/lodestone-search/lodestone/internal/store"
)

// Manifest format versions. Version 1 manifests predate per-file writer
// generations. The version is resolved exactly once when the manifest is
// decoded; the rest of the code only ever sees the current representation.
const (
	FormatVersion1 = 1
	FormatVersion2 = 2

	CurrentFormatVersion = FormatVersion2
)

// File is one segment file recorded in a snapshot manifest, together with the
// repository blob the contents live in.
type File struct {
	store.FileMetadata
	BlobKey string `json:"blob_key"`
}

// Manifest is the recorded list of segment files belonging to one snapshot of
// one shard.
type Manifest struct {
	SnapshotID            string
	IndexCommitGeneration int64
	Files                 []File
}

// File returns the manifest entry for name.
func (m *Manifest) File(name string) (File, bool) {
	for _, f := range m.Files {
		if f.Name == name {
			return f, true
		}
	}
	return File{}, false
}

// envelope carries the version tag; the payload is decoded according to it.
type envelope struct {
	FormatVersion         int             `json:"format_version"`
	SnapshotID            string          `json:"snapshot_id"`
	IndexCommitGeneration int64           `json:"index_commit_generation"`
	Files                 json.RawMessage `json:"files"`
}

// fileV1 lacks the writer generation recorded since format version 2.
type fileV1 struct {
	Name     string `json:"name"`
	Length   int64  `json:"length"`
	Checksum string `json:"checksum"`
	BlobKey  string `json:"blob_key"`
}

// DecodeManifest reads a zstd-compressed, versioned manifest.
func DecodeManifest(rd io.Reader) (*Manifest, error) {
	dec, err := zstd.NewReader(rd)
	if err != nil {
		return nil, errors.Wrap(err, "zstd.NewReader")
	}
	defer dec.Close()

	var env envelope
	if err := json.NewDecoder(dec.IOReadCloser()).Decode(&env); err != nil {
		return nil, errors.Wrap(err, "decoding manifest")
	}

	m := &Manifest{
		SnapshotID:            env.SnapshotID,
		IndexCommitGeneration: env.IndexCommitGeneration,
	}

	switch env.FormatVersion {
	case FormatVersion1:
		var files []fileV1
		if err := json.Unmarshal(env.Files, &files); err != nil {
			return nil, errors.Wrap(err, "decoding v1 file list")
		}
		for _, f := range files {
			m.Files = append(m.Files, File{
				FileMetadata: store.FileMetadata{Name: f.Name, Length: f.Length, Checksum: f.Checksum},
				BlobKey:      f.BlobKey,
			})
		}

	case FormatVersion2:
		if err := json.Unmarshal(env.Files, &m.Files); err != nil {
			return nil, errors.Wrap(err, "decoding v2 file list")
		}

	default:
		return nil, errors.Errorf("unsupported manifest format version %d", env.FormatVersion)
	}

	seen := make(map[string]struct{}, len(m.Files))
	for _, f := range m.Files {
		if _, ok := seen[f.Name]; ok {
			return nil, errors.Errorf("manifest lists file %v twice", f.Name)
		}
		seen[f.Name] = struct{}{}
	}

	return m, nil
}

// EncodeManifest writes m in the current format. Only used by tooling and
// tests, the recovery core never writes to a repository.
func EncodeManifest(m *Manifest) ([]byte, error) {
	files, err := json.Marshal(m.Files)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	payload, err := json.Marshal(envelope{
		FormatVersion:         CurrentFormatVersion,
		SnapshotID:            m.SnapshotID,
		IndexCommitGeneration: m.IndexCommitGeneration,
		Files:                 files,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, errors.Wrap(err, "zstd.NewWriter")
	}
	if _, err := enc.Write(payload); err != nil {
		_ = enc.Close()
		return nil, errors.WithStack(err)
	}
	if err := enc.Close(); err != nil {
		return nil, errors.WithStack(err)
	}

	return buf.Bytes(), nil
}
