package device

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/matheus3301/wppsync/internal/store"
)

var (
	// ErrNotFound means the gateway no longer knows the device. The local record is dropped.
	ErrNotFound = errors.New("device not found on gateway")
	// ErrUnknownDevice means no local record exists for the id.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrExists is returned by Create for an id already in the local list.
	ErrExists = errors.New("device already exists")
	// ErrInvalidTransition is returned for a status change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid device transition")
	ErrInvalidID         = errors.New("invalid device id")
)

// validTransitions defines allowed status changes. qr_needed may repeat when the pairing
// code is refreshed.
var validTransitions = map[store.DeviceStatus][]store.DeviceStatus{
	store.DeviceDisconnected: {store.DeviceConnecting},
	store.DeviceConnecting:   {store.DeviceQRNeeded, store.DeviceConnected, store.DeviceDisconnected},
	store.DeviceQRNeeded:     {store.DeviceQRNeeded, store.DeviceConnected, store.DeviceDisconnected},
	store.DeviceConnected:    {store.DeviceDisconnected},
}

// CanTransition reports whether a device may move from one status to another.
func CanTransition(from, to store.DeviceStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to store.DeviceStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// StatusChange is the payload of bus.DeviceStatusChanged.
type StatusChange struct {
	DeviceID string
	From     store.DeviceStatus
	To       store.DeviceStatus
	Device   store.Device
}

var idRegexp = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// ValidateID checks that id can be used as a gateway instance name.
func ValidateID(id string) error {
	if !idRegexp.MatchString(id) {
		return fmt.Errorf("%w %q: must match %s", ErrInvalidID, id, idRegexp)
	}
	return nil
}
