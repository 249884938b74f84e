package installer

import "fmt"

const (
	// DefaultKind is the update kind used in the installing id key.
	DefaultKind = "system"

	// KeyNeedsReboot is set once an image is written and the device must restart.
	KeyNeedsReboot = "needs_reboot"

	// KeyAutoDelete enables removal of an update after it was installed. Read only.
	KeyAutoDelete = "auto_delete_updates"
)

// InstallingIDKey returns the durable key holding the id being installed.
func InstallingIDKey(kind string) string {
	if kind == "" {
		kind = DefaultKind
	}
	return fmt.Sprintf("installing_%s_id", kind)
}
