package wire

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// Frame is the binary envelope exchanged on the socket. It mirrors
// proto/im_message_wrap.proto: a control/delivery code plus an opaque
// polymorphic payload. The envelope is tiny and stable, so it is encoded
// by hand with protowire instead of a codegen step.
type Frame struct {
	Code      int32      // field 1
	Data      *anypb.Any // field 2
	Message   string     // field 3, human-readable detail on control frames
	RequestID string     // field 4
	Timestamp int64      // field 5, unix millis
}

// JSONTypeURL tags Any payloads that carry raw JSON re-encoded from the
// broker, matching the convention of the upstream IM services.
const JSONTypeURL = "json"

const (
	fieldCode      = 1
	fieldData      = 2
	fieldMessage   = 3
	fieldRequestID = 4
	fieldTimestamp = 5
)

// ErrTruncatedFrame reports a payload that does not parse as the envelope.
var ErrTruncatedFrame = errors.New("wire: truncated or malformed frame")

// NewControl builds a control frame carrying only a code and an optional
// human-readable message.
func NewControl(code int32, message string) *Frame {
	return &Frame{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewJSONData builds a frame whose Data wraps raw JSON bytes in the
// polymorphic envelope.
func NewJSONData(code int32, payload []byte) *Frame {
	var data *anypb.Any
	if len(payload) > 0 {
		data = &anypb.Any{TypeUrl: JSONTypeURL, Value: payload}
	}
	return &Frame{
		Code:      code,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Marshal encodes the frame into protobuf wire format. Zero-valued fields
// are omitted, as a generated codec would.
func (f *Frame) Marshal() ([]byte, error) {
	b := make([]byte, 0, 64)
	if f.Code != 0 {
		b = protowire.AppendTag(b, fieldCode, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(f.Code)))
	}
	if f.Data != nil {
		raw, err := proto.Marshal(f.Data)
		if err != nil {
			return nil, fmt.Errorf("wire: marshal data envelope: %w", err)
		}
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, raw)
	}
	if f.Message != "" {
		b = protowire.AppendTag(b, fieldMessage, protowire.BytesType)
		b = protowire.AppendString(b, f.Message)
	}
	if f.RequestID != "" {
		b = protowire.AppendTag(b, fieldRequestID, protowire.BytesType)
		b = protowire.AppendString(b, f.RequestID)
	}
	if f.Timestamp != 0 {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Timestamp))
	}
	return b, nil
}

// Unmarshal decodes a frame from protobuf wire format. Unknown fields are
// skipped so newer peers can add fields without breaking this gateway.
func Unmarshal(data []byte) (*Frame, error) {
	f := &Frame{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, ErrTruncatedFrame
		}
		data = data[n:]

		switch {
		case num == fieldCode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, ErrTruncatedFrame
			}
			f.Code = int32(v)
			data = data[n:]
		case num == fieldData && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, ErrTruncatedFrame
			}
			a := &anypb.Any{}
			if err := proto.Unmarshal(raw, a); err != nil {
				return nil, fmt.Errorf("wire: unmarshal data envelope: %w", err)
			}
			f.Data = a
			data = data[n:]
		case num == fieldMessage && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, ErrTruncatedFrame
			}
			f.Message = s
			data = data[n:]
		case num == fieldRequestID && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, ErrTruncatedFrame
			}
			f.RequestID = s
			data = data[n:]
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, ErrTruncatedFrame
			}
			f.Timestamp = int64(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, ErrTruncatedFrame
			}
			data = data[n:]
		}
	}
	return f, nil
}

// JSONPayload returns the raw JSON carried in Data, or nil when the frame
// has no JSON payload.
func (f *Frame) JSONPayload() []byte {
	if f.Data == nil || f.Data.TypeUrl != JSONTypeURL {
		return nil
	}
	return f.Data.Value
}
