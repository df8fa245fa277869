package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// Envelope is the transport-neutral message: payload bytes plus headers.
// Transport adapters convert to and from it at the edge.
type Envelope struct {
	Payload []byte
	Headers Metadata
}

// FromWatermill converts Watermill metadata into relay metadata.
func FromWatermill(md message.Metadata) Metadata {
	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill converts relay metadata into a Watermill map.
func ToWatermill(md Metadata) message.Metadata {
	wm := make(message.Metadata, len(md))
	for k, v := range md {
		wm[k] = v
	}
	return wm
}

// EnvelopeFromMessage copies the payload and headers of a Watermill message.
func EnvelopeFromMessage(msg *message.Message) Envelope {
	if msg == nil {
		return Envelope{Headers: Metadata{}}
	}
	payload := make([]byte, len(msg.Payload))
	copy(payload, msg.Payload)
	return Envelope{Payload: payload, Headers: FromWatermill(msg.Metadata)}
}

// ToMessage builds a Watermill message with the given UUID.
func (e Envelope) ToMessage(uuid string) *message.Message {
	msg := message.NewMessage(uuid, message.Payload(e.Payload))
	msg.Metadata = ToWatermill(e.Headers)
	return msg
}
