package store

// Keys of the settings keyspace.
const (
	SettingCurrentDevice = "current_device"
	SettingLastTransport = "last_transport"
	SettingLastChatFetch = "last_chat_fetch"
)

// Setting returns a settings value, or "" when unset.
func (db *DB) Setting(key string) (string, error) {
	v, _, err := db.Get(NamespaceSettings, key)
	return string(v), err
}

// SetSetting stores a settings value. An empty value removes the key.
func (db *DB) SetSetting(key, value string) error {
	if value == "" {
		return db.Delete(NamespaceSettings, key)
	}
	return db.Put(NamespaceSettings, key, []byte(value))
}
