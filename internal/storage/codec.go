package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/hyperjump/niteru/internal/models"
)

const metaKeyDimension = "embedding_dimension"

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}

func marshalTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tags: %w", err)
	}
	return string(b), nil
}

func marshalAttributes(attrs map[string]string) (string, error) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("failed to marshal attributes: %w", err)
	}
	return string(b), nil
}

func unmarshalMetadata(rec *models.ImageRecord, tags, attrs []byte) error {
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &rec.Tags); err != nil {
			return fmt.Errorf("failed to unmarshal tags: %w", err)
		}
		if len(rec.Tags) == 0 {
			rec.Tags = nil
		}
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &rec.Attributes); err != nil {
			return fmt.Errorf("failed to unmarshal attributes: %w", err)
		}
		if len(rec.Attributes) == 0 {
			rec.Attributes = nil
		}
	}
	return nil
}

func checkItem(item *models.Item, dims int) error {
	if item == nil || item.Record == nil {
		return fmt.Errorf("item has no record")
	}
	if item.Record.ID == "" {
		return fmt.Errorf("record has no id")
	}
	if len(item.Vector) != dims {
		return models.NewConfigError("embedding_dimension", "vector for %s has %d dimensions, store expects %d",
			item.Record.ID, len(item.Vector), dims)
	}
	return nil
}

// applyListWindow applies offset and limit after in-process filtering.
func applyListWindow(recs []*models.ImageRecord, offset, limit int) []*models.ImageRecord {
	if offset > 0 {
		if offset >= len(recs) {
			return nil
		}
		recs = recs[offset:]
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs
}
