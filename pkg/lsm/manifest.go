package lsm

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/zhengshuxin/eventql/pkg/errs"
)

// manifest records which segments make up a partition and which one is
// currently open for writes (spec.md §6 "On-disk layout": "manifest
// records the active segment sequence; atomic update via write-new+rename").
type manifest struct {
	ActiveSequence  uint64   `json:"active_sequence"`
	SealedSequences []uint64 `json:"sealed_sequences"`
}

const manifestFile = "manifest"

func loadManifest(dir string) (manifest, error) {
	path := filepath.Join(dir, manifestFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return manifest{ActiveSequence: 1}, nil
		}
		return manifest{}, errs.Wrap(errs.Io, err, "lsm: read manifest")
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return manifest{}, errs.Wrap(errs.Corruption, err, "lsm: decode manifest")
	}
	return m, nil
}

// saveManifest durably persists m via write-new-then-rename so a reader
// never observes a partially written manifest.
func saveManifest(dir string, m manifest) error {
	sorted := append([]uint64(nil), m.SealedSequences...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	m.SealedSequences = sorted

	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errs.Wrap(errs.Io, err, "lsm: encode manifest")
	}
	tmp := filepath.Join(dir, manifestFile+".tmp")
	if err := os.WriteFile(tmp, body, 0644); err != nil {
		return errs.Wrap(errs.Io, err, "lsm: write manifest tmp")
	}
	f, err := os.Open(tmp)
	if err != nil {
		return errs.Wrap(errs.Io, err, "lsm: open manifest tmp for fsync")
	}
	syncErr := f.Sync()
	closeErr := f.Close()
	if syncErr != nil {
		// spec.md §4.F: a writer that cannot fsync its manifest returns a
		// fatal error; the caller moves the partition out of LIVE.
		return errs.Wrap(errs.Corruption, syncErr, "lsm: fsync manifest tmp")
	}
	if closeErr != nil {
		return errs.Wrap(errs.Io, closeErr, "lsm: close manifest tmp")
	}
	if err := os.Rename(tmp, filepath.Join(dir, manifestFile)); err != nil {
		return errs.Wrap(errs.Io, err, "lsm: rename manifest")
	}
	return nil
}

func segmentPath(dir string, seq uint64) string {
	return filepath.Join(dir, segmentName(seq))
}

func segmentName(seq uint64) string {
	return "seg-" + strconv.FormatUint(seq, 10) + ".cst"
}
