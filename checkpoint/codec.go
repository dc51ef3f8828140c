package checkpoint

import (
	"encoding/json"
	"fmt"

	"github.com/mudworks/weaver"
	"github.com/mudworks/weaver/store"
)

// Wire forms for durable state. Entity values are interfaces in memory, so
// the codec keeps them as raw JSON and picks the concrete type from the key's
// kind when decoding.

type wireWrite struct {
	Key    store.Key       `json:"key"`
	Value  json.RawMessage `json:"value,omitempty"`
	Delete bool            `json:"delete,omitempty"`
}

type wireEntry struct {
	Key     store.Key       `json:"key"`
	Version uint64          `json:"version"`
	Value   json.RawMessage `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
}

type snapshotBody struct {
	Version uint64       `json:"version"`
	NextObj weaver.ObjID `json:"next_obj"`
	Entries []wireEntry  `json:"entries"`
}

func encodeWrites(writes []store.Write) ([]byte, error) {
	ww := make([]wireWrite, 0, len(writes))
	for _, w := range writes {
		rec := wireWrite{Key: w.Key, Delete: w.Delete}
		if !w.Delete {
			raw, err := weaver.NewMarshaler().Marshal(w.Value)
			if err != nil {
				return nil, fmt.Errorf("encoding value for %v: %w", w.Key, err)
			}
			rec.Value = raw
		}
		ww = append(ww, rec)
	}
	return weaver.NewMarshaler().Marshal(ww)
}

func decodeWrites(data []byte) ([]store.Write, error) {
	var ww []wireWrite
	if err := weaver.NewMarshaler().Unmarshal(data, &ww); err != nil {
		return nil, err
	}
	out := make([]store.Write, 0, len(ww))
	for _, w := range ww {
		rec := store.Write{Key: w.Key, Delete: w.Delete}
		if !w.Delete {
			v, err := decodeValue(w.Key.Kind, w.Value)
			if err != nil {
				return nil, err
			}
			rec.Value = v
		}
		out = append(out, rec)
	}
	return out, nil
}

// decodeValue rebuilds the concrete entity type a key's kind implies.
func decodeValue(kind store.EntityKind, raw json.RawMessage) (any, error) {
	switch kind {
	case store.KindMeta:
		var m weaver.ObjMeta
		if err := weaver.NewMarshaler().Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case store.KindProp:
		var p weaver.Property
		if err := weaver.NewMarshaler().Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case store.KindVerbs:
		var vs weaver.VerbSet
		if err := weaver.NewMarshaler().Unmarshal(raw, &vs); err != nil {
			return nil, err
		}
		return &vs, nil
	default:
		return nil, fmt.Errorf("unknown entity kind %d", kind)
	}
}

func encodeSnapshot(version uint64, nextObj weaver.ObjID, entries []store.Entry) ([]byte, error) {
	body := snapshotBody{Version: version, NextObj: nextObj, Entries: make([]wireEntry, 0, len(entries))}
	for _, e := range entries {
		rec := wireEntry{Key: e.Key, Version: e.Versioned.Version, Deleted: e.Versioned.Deleted}
		if !e.Versioned.Deleted {
			raw, err := weaver.NewMarshaler().Marshal(e.Versioned.Value)
			if err != nil {
				return nil, fmt.Errorf("encoding value for %v: %w", e.Key, err)
			}
			rec.Value = raw
		}
		body.Entries = append(body.Entries, rec)
	}
	return weaver.NewMarshaler().Marshal(body)
}

func decodeSnapshot(data []byte) (uint64, weaver.ObjID, []store.Entry, error) {
	var body snapshotBody
	if err := weaver.NewMarshaler().Unmarshal(data, &body); err != nil {
		return 0, 0, nil, err
	}
	entries := make([]store.Entry, 0, len(body.Entries))
	for _, e := range body.Entries {
		rec := store.Entry{Key: e.Key, Versioned: store.Versioned{Version: e.Version, Deleted: e.Deleted}}
		if !e.Deleted {
			v, err := decodeValue(e.Key.Kind, e.Value)
			if err != nil {
				return 0, 0, nil, err
			}
			rec.Versioned.Value = v
		}
		entries = append(entries, rec)
	}
	return body.Version, body.NextObj, entries, nil
}
