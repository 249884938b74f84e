// Package registry keeps the in-memory records of the system updates known
// to the device and tells interested parties when they change.
package registry

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of an Update.
type Status int

const (
	StatusUnknown Status = iota
	StatusDownloaded
	StatusVerifying
	StatusVerified
	StatusVerificationFailed
	StatusInstalling
	StatusInstalled
	StatusInstallationFailed
	StatusInstallationCancelled
	StatusDeleted
)

var statusNames = [...]string{
	StatusUnknown:               "UNKNOWN",
	StatusDownloaded:            "DOWNLOADED",
	StatusVerifying:             "VERIFYING",
	StatusVerified:              "VERIFIED",
	StatusVerificationFailed:    "VERIFICATION_FAILED",
	StatusInstalling:            "INSTALLING",
	StatusInstalled:             "INSTALLED",
	StatusInstallationFailed:    "INSTALLATION_FAILED",
	StatusInstallationCancelled: "INSTALLATION_CANCELLED",
	StatusDeleted:               "DELETED",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	name := strings.ToUpper(string(text))
	for i, n := range statusNames {
		if n == name {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown update status %q", text)
}

// Update is one system image known to the device.
type Update struct {
	ID   string `json:"id"`
	File string `json:"file"`
	Size int64  `json:"size"`

	Status Status `json:"status"`

	// Progress is the install percentage, 0..100.
	Progress int `json:"progress"`

	// Finalizing is set while the flasher syncs the written image.
	Finalizing bool `json:"finalizing"`

	UpdatedAt time.Time `json:"updatedAt"`
}
