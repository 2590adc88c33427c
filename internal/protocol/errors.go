package protocol

const (
	// Protocol/transport validation.
	ErrBadRequest = "E_BAD_REQUEST"

	// Fill request layer.
	ErrInvalidSelection = "E_INVALID_SELECTION"
	ErrUnknownBlock     = "E_UNKNOWN_BLOCK"
	ErrOutOfWorld       = "E_OUT_OF_WORLD"
	ErrBusy             = "E_BUSY"
	ErrNotFound         = "E_NOT_FOUND"
	ErrNotLoaded        = "E_NOT_LOADED"
	ErrInternal         = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrBadRequest:       {},
	ErrInvalidSelection: {},
	ErrUnknownBlock:     {},
	ErrOutOfWorld:       {},
	ErrBusy:             {},
	ErrNotFound:         {},
	ErrNotLoaded:        {},
	ErrInternal:         {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
