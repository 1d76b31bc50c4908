package sqlite

import (
	"encoding/json"
	"fmt"

	"github.com/pv/aqua-alert-go/internal/snapshot"
)

func encode(snap snapshot.Snapshot) ([]byte, error) {
	if snap == nil {
		snap = snapshot.Snapshot{}
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("sqlite: encode snapshot: %w", err)
	}
	return data, nil
}

func decode(payload []byte) (snapshot.Snapshot, error) {
	var snap snapshot.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("malformed snapshot: %w", err)
	}
	if snap == nil {
		return nil, fmt.Errorf("malformed snapshot: null payload")
	}
	return snap, nil
}
