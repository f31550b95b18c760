package pccg

import (
	"encoding/json"

	"watchbot/internal/watch"
)

// Product is one graphics-card listing on the PC Case Gear category page.
// The product name is the snapshot key; Status drives change detection.
type Product struct {
	Name   string `json:"name"`
	Link   string `json:"link"`
	Status string `json:"status"`
	Price  int    `json:"price"`
}

func (p Product) ItemStatus() string { return p.Status }

type snapshot = watch.Snapshot[Product]

func decodeSnapshot(raw json.RawMessage) (snapshot, error) {
	if len(raw) == 0 {
		return snapshot{}, nil
	}
	var s snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return s, nil
}

func encodeSnapshot(s snapshot) (json.RawMessage, error) {
	return json.Marshal(s)
}
