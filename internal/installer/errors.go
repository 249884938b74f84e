package installer

import "errors"

var (
	// ErrAlreadyInstalling rejects an install while another one is in flight
	// or a finished one waits for a reboot. Nothing is changed.
	ErrAlreadyInstalling = errors.New("installer: another installation is in progress")

	// ErrUnknownUpdate is returned for an id the registry does not know.
	ErrUnknownUpdate = errors.New("installer: unknown update")

	// ErrFileMissing means the image file of the update does not exist.
	ErrFileMissing = errors.New("installer: update file is missing")

	// ErrBindFailed means the flasher backend could not be reached.
	ErrBindFailed = errors.New("installer: could not bind to flasher")

	// ErrFlashRejected means the backend refused to start a session.
	ErrFlashRejected = errors.New("installer: flasher rejected the image")

	// ErrNotInstalling is returned by Reconnect when nothing is in flight.
	ErrNotInstalling = errors.New("installer: no installation in progress")

	// ErrNotCancellable is always returned by Cancel.
	ErrNotCancellable = errors.New("installer: installations cannot be cancelled")
)
