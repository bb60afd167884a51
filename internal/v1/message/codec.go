package message

import (
	"encoding/json"
	"fmt"
)

const discriminantKey = "messageType"

// Encode serializes exactly one payload variant with its discriminant.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case MuteRequest:
		if err := v.Validate(); err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Type Kind `json:"messageType"`
			MuteRequest
		}{KindMute, v})
	case *MuteRequest:
		return Encode(*v)
	case PeerIdentity:
		if v.MessagingID == "" {
			return nil, fmt.Errorf("%w: rtmId", ErrMissingField)
		}
		return json.Marshal(struct {
			Type Kind `json:"messageType"`
			PeerIdentity
		}{KindUserData, v})
	case *PeerIdentity:
		return Encode(*v)
	case DataRequest:
		if !v.Type.isValid() {
			return nil, fmt.Errorf("%w: data request type %q", ErrUnknownMessage, v.Type)
		}
		return json.Marshal(struct {
			Type Kind `json:"messageType"`
			DataRequest
		}{KindDataRequest, v})
	case *DataRequest:
		return Encode(*v)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
	}
}

// Decode classifies and parses a raw payload.
func Decode(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownMessage, err)
	}

	if raw, ok := fields[discriminantKey]; ok {
		var kind Kind
		if err := json.Unmarshal(raw, &kind); err != nil {
			return nil, fmt.Errorf("%w: bad discriminant: %v", ErrUnknownMessage, err)
		}
		return decodeKind(kind, data, fields)
	}

	// Legacy peers: fixed priority shape match.
	for _, kind := range []Kind{KindMute, KindUserData, KindDataRequest} {
		if m, err := decodeKind(kind, data, fields); err == nil {
			return m, nil
		}
	}
	return nil, ErrUnknownMessage
}

func decodeKind(kind Kind, data []byte, fields map[string]json.RawMessage) (Message, error) {
	switch kind {
	case KindMute:
		if err := requireFields(fields, "rtcId", "device", "mute"); err != nil {
			return nil, err
		}
		var r MuteRequest
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode mute request: %w", err)
		}
		if !r.Device.IsValid() {
			return nil, fmt.Errorf("%w: %d", ErrInvalidDevice, int(r.Device))
		}
		return r, nil
	case KindUserData:
		if err := requireFields(fields, "rtmId"); err != nil {
			return nil, err
		}
		var p PeerIdentity
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode identity: %w", err)
		}
		if p.MessagingID == "" {
			return nil, fmt.Errorf("%w: rtmId", ErrMissingField)
		}
		return p, nil
	case KindDataRequest:
		if err := requireFields(fields, "type"); err != nil {
			return nil, err
		}
		var d DataRequest
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("decode data request: %w", err)
		}
		if !d.Type.isValid() {
			return nil, fmt.Errorf("%w: data request type %q", ErrUnknownMessage, d.Type)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("%w: discriminant %q", ErrUnknownMessage, kind)
	}
}

func requireFields(fields map[string]json.RawMessage, names ...string) error {
	for _, name := range names {
		raw, ok := fields[name]
		if !ok || string(raw) == "null" {
			return fmt.Errorf("%w: %s", ErrMissingField, name)
		}
	}
	return nil
}
