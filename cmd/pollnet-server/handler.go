package main

import (
	"fmt"

	"github.com/Zereker/pollnet"
)

const (
	binaryReplyType   = "binary/custom-server-binary-type"
	binaryReplyPrefix = "First 10 bytes of request: "
)

// handle answers every request with exactly one response.
func handle(c *pollnet.Conn, m *pollnet.Message) error {
	return c.Reply(respond(m))
}

// respond builds the response to a decoded request. JSON requests carry
// {"action": ..., "value": ...}; any other content type is echoed in part.
func respond(m *pollnet.Message) *pollnet.Request {
	if !m.IsJSON() {
		head := m.Body()
		if len(head) > 10 {
			head = head[:10]
		}
		content := append([]byte(binaryReplyPrefix), head...)
		return pollnet.BinaryRequest(content, binaryReplyType)
	}

	request, _ := m.Value.(map[string]any)
	action, _ := request["action"].(string)
	value := request["value"]

	var result any
	switch action {
	case "echo":
		result = value
	case "reverse":
		result = reverse(fmt.Sprint(value))
	default:
		result = fmt.Sprintf("Error: invalid action %q.", action)
	}

	resp := pollnet.JSONRequest(map[string]any{"result": result})
	if enc := m.Metadata.ContentEncoding; enc != "" {
		resp.ContentEncoding = enc
	}
	return resp
}

func reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}
