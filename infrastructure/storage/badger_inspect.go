package storage

import (
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// StagePrefix is the key prefix of every staged upload.
const StagePrefix = "stage:"

// StagedEntry is one raw staging key as seen by inspection tools.
type StagedEntry struct {
	Key    string
	Handle string
	Kind   string
	Size   int
	Detail string
}

// ListStaged walks every key under prefix. Meta entries are decoded,
// segments are reported by size only.
func ListStaged(db *badger.DB, prefix string) ([]StagedEntry, error) {
	if prefix == "" {
		prefix = StagePrefix
	}
	var entries []StagedEntry
	err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			err := item.Value(func(v []byte) error {
				entries = append(entries, toEntry(key, v))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return entries, err
}

func toEntry(key string, val []byte) StagedEntry {
	e := StagedEntry{Key: key, Kind: "RAW", Size: len(val), Detail: "-"}
	// stage:<uuid>:seg:<index> or stage:<uuid>:meta
	parts := strings.Split(key, ":")
	if len(parts) < 3 {
		return e
	}
	e.Handle = strings.Join(parts[:2], ":")
	switch parts[2] {
	case "seg":
		e.Kind = "SEGMENT"
		if len(parts) > 3 {
			e.Detail = "index " + strings.TrimLeft(parts[3], "0")
			if e.Detail == "index " {
				e.Detail = "index 0"
			}
		}
	case "meta":
		e.Kind = "META"
		if m, err := unmarshalMeta(val); err == nil {
			sum := m.Sha256
			if len(sum) > 12 {
				sum = sum[:12]
			}
			e.Detail = fmt.Sprintf("%s (%d bytes, sha256 %s)", m.Name, m.Size, sum)
		} else {
			e.Detail = "unreadable: " + err.Error()
		}
	}
	return e
}
