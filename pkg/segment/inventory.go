package segment

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

// Inventory is the on-disk description of a set of segments. Entries are
// generated from key ranges so that large inventories stay small on disk.
type Inventory struct {
	Segments []InventorySegment `yaml:"segments"`
}

// InventorySegment describes one segment of an inventory
type InventorySegment struct {
	ID         string           `yaml:"id,omitempty"`
	CreatedAt  time.Time        `yaml:"created_at,omitempty"`
	Keys       []string         `yaml:"keys,omitempty"`
	Ranges     []KeyRangeSpec   `yaml:"ranges,omitempty"`
	Tombstones []TombstoneRange `yaml:"tombstones,omitempty"`
}

// KeyRangeSpec generates keys prefix+%08d for every i in [From, To)
type KeyRangeSpec struct {
	Prefix    string `yaml:"prefix"`
	From      int    `yaml:"from"`
	To        int    `yaml:"to"`
	ValueSize int    `yaml:"value_size"`
}

// TombstoneRange generates deletion markers the same way KeyRangeSpec
// generates keys
type TombstoneRange struct {
	Prefix    string    `yaml:"prefix"`
	From      int       `yaml:"from"`
	To        int       `yaml:"to"`
	DeletedAt time.Time `yaml:"deleted_at"`
}

// RangeKey formats the i-th key of a generated range
func RangeKey(prefix string, i int) []byte {
	return []byte(fmt.Sprintf("%s%08d", prefix, i))
}

// LoadInventory reads an inventory file. Files ending in .zst are
// zstd-compressed.
func LoadInventory(path string) ([]*Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open inventory: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	return DecodeInventory(r)
}

// DecodeInventory parses a YAML inventory and builds its segments in order
func DecodeInventory(r io.Reader) ([]*Segment, error) {
	var inv Inventory
	if err := yaml.NewDecoder(r).Decode(&inv); err != nil {
		return nil, fmt.Errorf("failed to decode inventory: %w", err)
	}

	segs := make([]*Segment, 0, len(inv.Segments))
	for i, spec := range inv.Segments {
		seg, err := spec.Build()
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// Build materializes the described segment
func (s InventorySegment) Build() (*Segment, error) {
	id := NewID()
	if s.ID != "" {
		parsed, err := ParseID(s.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", s.ID, err)
		}
		id = parsed
	}

	b := NewBuilder(id)
	if !s.CreatedAt.IsZero() {
		b.WithCreatedAt(s.CreatedAt)
	}

	for _, k := range s.Keys {
		b.Add([]byte(k), 0)
	}
	for _, r := range s.Ranges {
		if r.To < r.From {
			return nil, fmt.Errorf("invalid range %s[%d,%d)", r.Prefix, r.From, r.To)
		}
		for i := r.From; i < r.To; i++ {
			b.Add(RangeKey(r.Prefix, i), r.ValueSize)
		}
	}
	for _, t := range s.Tombstones {
		if t.To < t.From {
			return nil, fmt.Errorf("invalid tombstone range %s[%d,%d)", t.Prefix, t.From, t.To)
		}
		for i := t.From; i < t.To; i++ {
			b.AddTombstone(RangeKey(t.Prefix, i), t.DeletedAt)
		}
	}

	return b.Build()
}
