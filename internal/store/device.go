package store

import (
	"encoding/json"
	"fmt"
)

const devicesKey = "list"

// SaveDevices replaces the cached device list.
func (db *DB) SaveDevices(devices []Device) error {
	data, err := json.Marshal(devices)
	if err != nil {
		return fmt.Errorf("encode devices: %w", err)
	}
	return db.Put(NamespaceDevices, devicesKey, data)
}

// LoadDevices returns the cached device list. A malformed cache is discarded and
// reported as empty.
func (db *DB) LoadDevices() ([]Device, error) {
	data, ok, err := db.Get(NamespaceDevices, devicesKey)
	if err != nil || !ok {
		return nil, err
	}
	var devices []Device
	if err := json.Unmarshal(data, &devices); err != nil {
		_ = db.Delete(NamespaceDevices, devicesKey)
		return nil, nil
	}

	out := devices[:0]
	for _, d := range devices {
		if d.ID != "" {
			out = append(out, d)
		}
	}
	return out, nil
}
