package pollnet

// Metadata is the self-describing header that precedes every payload.
type Metadata struct {
	ByteOrder       string `json:"byteorder"`
	ContentType     string `json:"content-type"`
	ContentEncoding string `json:"content-encoding"`
	ContentLength   int    `json:"content-length"`
}

// Message is one decoded inbound frame.
type Message struct {
	Metadata Metadata
	// Payload holds the raw content bytes exactly as received.
	Payload []byte
	// Value is the decoded document for JSON content types, nil otherwise.
	Value any
}

// Length returns the length of the message body.
func (m *Message) Length() int {
	return len(m.Payload)
}

// Body returns the raw message data.
func (m *Message) Body() []byte {
	return m.Payload
}

// IsJSON reports whether the payload was decoded as a structured document.
func (m *Message) IsJSON() bool {
	return IsJSONContentType(m.Metadata.ContentType)
}

// Request is outbound content waiting to be framed and sent.
// For JSON content types Content is marshalled under ContentEncoding;
// otherwise Content must be a []byte or string and is sent unmodified.
type Request struct {
	Content         any
	ContentType     string
	ContentEncoding string
}

// JSONRequest builds a UTF-8 JSON request.
func JSONRequest(content any) *Request {
	return &Request{Content: content, ContentType: ContentTypeJSON, ContentEncoding: EncodingUTF8}
}

// BinaryRequest builds a request carrying opaque bytes.
func BinaryRequest(content []byte, contentType string) *Request {
	return &Request{Content: content, ContentType: contentType, ContentEncoding: "binary"}
}

// Frame encodes the request into a complete wire frame.
func (r *Request) Frame() ([]byte, error) {
	payload, err := EncodeContent(r.Content, r.ContentType, r.ContentEncoding)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(payload, r.ContentType, r.ContentEncoding)
}
