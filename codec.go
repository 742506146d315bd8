package pollnet

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/sys/cpu"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// Wire format constants.
const (
	// HeaderLengthSize is the size of the big-endian metadata length prefix.
	HeaderLengthSize = 2
	// MaxMetadataLength is the largest metadata block the prefix can describe.
	MaxMetadataLength = math.MaxUint16

	// ContentTypeJSON marks a payload that is itself a JSON document.
	ContentTypeJSON = "text/json"
	// EncodingUTF8 is the text encoding of every metadata block.
	EncodingUTF8 = "utf-8"
)

// requiredHeaders lists the metadata keys every frame must carry, in the order they are checked.
var requiredHeaders = [...]string{"byteorder", "content-length", "content-type", "content-encoding"}

// HostByteOrder returns the byte-order tag of the machine running the encoder.
func HostByteOrder() string {
	if cpu.IsBigEndian {
		return "big"
	}
	return "little"
}

// IsJSONContentType reports whether a content type announces a JSON payload.
func IsJSONContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct == ContentTypeJSON || ct == "application/json" || strings.HasSuffix(ct, "+json")
}

// EncodeFrame builds a complete frame: the metadata length prefix, the JSON
// metadata block and the payload. The metadata always describes the payload
// exactly; the byte-order tag reflects the encoding host.
func EncodeFrame(payload []byte, contentType, contentEncoding string) ([]byte, error) {
	header, err := marshalJSON(Metadata{
		ByteOrder:       HostByteOrder(),
		ContentType:     contentType,
		ContentEncoding: contentEncoding,
		ContentLength:   len(payload),
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode metadata")
	}
	if len(header) > MaxMetadataLength {
		return nil, errors.Wrapf(ErrMetadataTooLarge, "%d bytes", len(header))
	}

	frame := make([]byte, HeaderLengthSize, HeaderLengthSize+len(header)+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(len(header)))
	frame = append(frame, header...)
	return append(frame, payload...), nil
}

// DecodeFrame decodes the first complete frame in b and returns the bytes
// that follow it. ErrShortFrame is returned while b ends inside the frame.
func DecodeFrame(b []byte) (*Message, []byte, error) {
	if len(b) < HeaderLengthSize {
		return nil, b, ErrShortFrame
	}
	metaEnd := HeaderLengthSize + int(binary.BigEndian.Uint16(b))
	if len(b) < metaEnd {
		return nil, b, ErrShortFrame
	}

	fields, err := DecodeMetadata(b[HeaderLengthSize:metaEnd], EncodingUTF8)
	if err != nil {
		return nil, b, err
	}
	meta, err := ParseMetadata(fields)
	if err != nil {
		return nil, b, err
	}

	end := metaEnd + meta.ContentLength
	if len(b) < end {
		return nil, b, ErrShortFrame
	}
	msg, err := decodeMessage(meta, bytes.Clone(b[metaEnd:end]))
	if err != nil {
		return nil, b, err
	}
	return msg, b[end:], nil
}

// DecodeMetadata parses a JSON object written in the given text encoding.
func DecodeMetadata(b []byte, enc string) (map[string]any, error) {
	text, err := toUTF8(b, enc)
	if err != nil {
		return nil, &DecodeError{Part: "metadata", Err: err}
	}

	var fields map[string]any
	if err := json.Unmarshal(text, &fields); err != nil {
		return nil, &DecodeError{Part: "metadata", Err: errors.Wrap(err, "json")}
	}
	if fields == nil {
		return nil, &DecodeError{Part: "metadata", Err: errors.New("not a JSON object")}
	}
	return fields, nil
}

// ParseMetadata validates a decoded metadata mapping. The first absent
// required key is reported as a *MissingHeaderFieldError.
func ParseMetadata(fields map[string]any) (Metadata, error) {
	for _, key := range requiredHeaders {
		if _, ok := fields[key]; !ok {
			return Metadata{}, &MissingHeaderFieldError{Field: key}
		}
	}

	var (
		meta Metadata
		err  error
	)
	if meta.ByteOrder, err = stringField(fields, "byteorder"); err != nil {
		return Metadata{}, err
	}
	if meta.ContentType, err = stringField(fields, "content-type"); err != nil {
		return Metadata{}, err
	}
	if meta.ContentEncoding, err = stringField(fields, "content-encoding"); err != nil {
		return Metadata{}, err
	}

	length, ok := fields["content-length"].(float64)
	if !ok || length < 0 || length != math.Trunc(length) || length > math.MaxInt32 {
		return Metadata{}, &DecodeError{
			Part: "metadata",
			Err:  errors.Errorf("content-length must be a non-negative integer, got %v", fields["content-length"]),
		}
	}
	meta.ContentLength = int(length)

	return meta, nil
}

// EncodeContent turns request content into payload bytes. JSON content types
// are marshalled and written in the given encoding; anything else must
// already be bytes.
func EncodeContent(content any, contentType, enc string) ([]byte, error) {
	if IsJSONContentType(contentType) {
		text, err := marshalJSON(content)
		if err != nil {
			return nil, errors.Wrap(err, "encode content")
		}
		return fromUTF8(text, enc)
	}

	switch c := content.(type) {
	case nil:
		return nil, nil
	case []byte:
		return c, nil
	case string:
		return []byte(c), nil
	default:
		return nil, errors.Errorf("content type %q needs []byte or string content, got %T", contentType, content)
	}
}

// DecodeContent decodes a payload described by meta. Non-JSON payloads decode to nil.
func DecodeContent(payload []byte, meta Metadata) (any, error) {
	if !IsJSONContentType(meta.ContentType) {
		return nil, nil
	}

	text, err := toUTF8(payload, meta.ContentEncoding)
	if err != nil {
		return nil, &DecodeError{Part: "payload", Err: err}
	}

	var value any
	if err := json.Unmarshal(text, &value); err != nil {
		return nil, &DecodeError{Part: "payload", Err: errors.Wrap(err, "json")}
	}
	return value, nil
}

func decodeMessage(meta Metadata, payload []byte) (*Message, error) {
	value, err := DecodeContent(payload, meta)
	if err != nil {
		return nil, err
	}
	return &Message{Metadata: meta, Payload: payload, Value: value}, nil
}

func stringField(fields map[string]any, key string) (string, error) {
	s, ok := fields[key].(string)
	if !ok {
		return "", &DecodeError{
			Part: "metadata",
			Err:  errors.Errorf("%s must be a string, got %T", key, fields[key]),
		}
	}
	return s, nil
}

// marshalJSON encodes v without HTML escaping and without the encoder's trailing newline.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func lookupEncoding(name string) (encoding.Encoding, string, error) {
	enc, err := htmlindex.Get(strings.TrimSpace(name))
	if err != nil {
		return nil, "", errors.Wrapf(err, "content encoding %q", name)
	}
	canonical, err := htmlindex.Name(enc)
	if err != nil {
		return nil, "", errors.Wrapf(err, "content encoding %q", name)
	}
	return enc, canonical, nil
}

func toUTF8(b []byte, name string) ([]byte, error) {
	enc, canonical, err := lookupEncoding(name)
	if err != nil {
		return nil, err
	}
	if canonical == EncodingUTF8 {
		if !utf8.Valid(b) {
			return nil, errors.New("invalid utf-8")
		}
		return b, nil
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", canonical)
	}
	return out, nil
}

func fromUTF8(b []byte, name string) ([]byte, error) {
	enc, canonical, err := lookupEncoding(name)
	if err != nil {
		return nil, err
	}
	if canonical == EncodingUTF8 {
		return b, nil
	}
	out, err := enc.NewEncoder().Bytes(b)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", canonical)
	}
	return out, nil
}
