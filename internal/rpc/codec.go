package rpc

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype for the gateway's envelope codec.
const CodecName = "knight-bin"

func init() {
	encoding.RegisterCodec(Codec{})
}

// Codec is a length-prefixed binary codec for Request/Response envelopes,
// registered with gRPC so both the gateway and the backend services can
// negotiate it by content-subtype. The envelope format is small and owned
// by this repo; business payload bytes inside it stay opaque.
//
// Layout (all lengths uvarint):
//
//	Request:  service | method | payload | n(meta) | (key | value)*
//	Response: code(varint, zigzag) | message | payload
type Codec struct{}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *Request:
		return appendRequest(nil, m), nil
	case *Response:
		return appendResponse(nil, m), nil
	default:
		return nil, fmt.Errorf("rpc: codec cannot marshal %T", v)
	}
}

func (Codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *Request:
		return parseRequest(data, m)
	case *Response:
		return parseResponse(data, m)
	default:
		return fmt.Errorf("rpc: codec cannot unmarshal into %T", v)
	}
}

func appendBytes(b, p []byte) []byte {
	b = binary.AppendUvarint(b, uint64(len(p)))
	return append(b, p...)
}

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

func appendRequest(b []byte, r *Request) []byte {
	b = appendString(b, r.ServiceName)
	b = appendString(b, r.MethodName)
	b = appendBytes(b, r.Payload)
	b = binary.AppendUvarint(b, uint64(len(r.Metadata)))
	for k, v := range r.Metadata {
		b = appendString(b, k)
		b = appendString(b, v)
	}
	return b
}

func appendResponse(b []byte, r *Response) []byte {
	b = binary.AppendVarint(b, int64(r.Code))
	b = appendString(b, r.Message)
	b = appendBytes(b, r.Payload)
	return b
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, fmt.Errorf("rpc: truncated uvarint at offset %d", r.off)
	}
	r.off += n
	return v, nil
}

func (r *reader) varint() (int64, error) {
	v, n := binary.Varint(r.buf[r.off:])
	if n <= 0 {
		return 0, fmt.Errorf("rpc: truncated varint at offset %d", r.off)
	}
	r.off += n
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if uint64(len(r.buf)-r.off) < n {
		return nil, fmt.Errorf("rpc: truncated field: want %d bytes, have %d", n, len(r.buf)-r.off)
	}
	out := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return out, nil
}

func (r *reader) string() (string, error) {
	b, err := r.bytes()
	return string(b), err
}

func parseRequest(data []byte, out *Request) error {
	r := &reader{buf: data}
	var err error
	if out.ServiceName, err = r.string(); err != nil {
		return err
	}
	if out.MethodName, err = r.string(); err != nil {
		return err
	}
	var payload []byte
	if payload, err = r.bytes(); err != nil {
		return err
	}
	out.Payload = append([]byte(nil), payload...)
	n, err := r.uvarint()
	if err != nil {
		return err
	}
	out.Metadata = nil
	if n > 0 {
		out.Metadata = make(map[string]string, n)
		for i := uint64(0); i < n; i++ {
			k, err := r.string()
			if err != nil {
				return err
			}
			v, err := r.string()
			if err != nil {
				return err
			}
			out.Metadata[k] = v
		}
	}
	return nil
}

func parseResponse(data []byte, out *Response) error {
	r := &reader{buf: data}
	code, err := r.varint()
	if err != nil {
		return err
	}
	out.Code = int32(code)
	if out.Message, err = r.string(); err != nil {
		return err
	}
	var payload []byte
	if payload, err = r.bytes(); err != nil {
		return err
	}
	out.Payload = append([]byte(nil), payload...)
	return nil
}
