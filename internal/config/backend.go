package config

// ConfigBackend is where `xlcopilot config set` persists values: the
// com.xlcopilot.app defaults domain on macOS, a JSON file under
// $XDG_CONFIG_HOME elsewhere. ok is false for keys that were never set.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
