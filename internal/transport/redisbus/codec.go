package redisbus

import (
	"fmt"

	"github.com/dimitrije/nikode-collab/internal/transport"
	"github.com/fxamacker/cbor/v2"
)

const (
	kindBroadcast = "broadcast"
	kindPresence  = "presence"
)

// envelope is the wire frame published on a topic channel. Exactly one of
// Message or Presence is set, selected by Kind.
type envelope struct {
	Kind     string                   `cbor:"kind"`
	Origin   string                   `cbor:"origin"`
	Message  *transport.Message       `cbor:"message,omitempty"`
	Presence *transport.PresenceEvent `cbor:"presence,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("redisbus: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("redisbus: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeEnvelope(env envelope) ([]byte, error) {
	data, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Kind, err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Kind {
	case kindBroadcast:
		if env.Message == nil {
			return envelope{}, fmt.Errorf("broadcast envelope without message")
		}
	case kindPresence:
		if env.Presence == nil {
			return envelope{}, fmt.Errorf("presence envelope without event")
		}
	default:
		return envelope{}, fmt.Errorf("unknown envelope kind %q", env.Kind)
	}
	return env, nil
}
