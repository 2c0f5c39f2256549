package wal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/moodb/moodb/internal/logx"
	"github.com/moodb/moodb/internal/store/storeerr"
)

// ReplayAll reads every WAL segment under root/wal in numeric order and
// decodes its records, per spec §4.6 startup recovery step 3. A torn tail
// — a record whose checksum does not validate or whose claimed length
// runs past the bytes on disk — truncates the segment file at the last
// record boundary that did validate, per spec §4.6's "partial write
// handling", and stops replay (later segments, if any, are not expected
// to exist past a torn tail and are left alone).
func ReplayAll(root string) ([]Record, error) {
	dir := filepath.Join(root, "wal")
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	log := logx.WithComponent("wal")
	var records []Record
	for _, n := range segments {
		path := filepath.Join(dir, segmentName(n))
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("wal: read segment %s: %w", path, err)
		}

		consumed := 0
		for consumed < len(data) {
			rec, n2, err := Decode(data[consumed:])
			if err != nil {
				if errors.Is(err, storeerr.ErrCorruptWAL) {
					log.Warn().Str("segment", path).Int("offset", consumed).Msg("truncating torn WAL tail")
					if truncErr := os.Truncate(path, int64(consumed)); truncErr != nil {
						return nil, fmt.Errorf("wal: truncate torn segment %s: %w", path, truncErr)
					}
					return records, nil
				}
				return nil, err
			}
			records = append(records, rec)
			consumed += n2
		}
	}
	return records, nil
}

// LatestCommitTS returns the highest CommitTS among records, or 0 if
// records is empty.
func LatestCommitTS(records []Record) uint64 {
	var max uint64
	for _, r := range records {
		if r.CommitTS > max {
			max = r.CommitTS
		}
	}
	return max
}
