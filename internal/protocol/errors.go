package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// World surface.
	ErrUnknownWorld    = "E_UNKNOWN_WORLD"
	ErrUnknownMaterial = "E_UNKNOWN_MATERIAL"
	ErrEntityNotFound  = "E_ENTITY_NOT_FOUND"
	ErrActorOffline    = "E_ACTOR_OFFLINE"

	ErrBadRequest = "E_BAD_REQUEST"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrUnknownWorld:    {},
	ErrUnknownMaterial: {},
	ErrEntityNotFound:  {},
	ErrActorOffline:    {},
	ErrBadRequest:      {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
