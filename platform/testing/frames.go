package testing

import (
	"encoding/json"
	"fmt"
)

// KeepAliveFrame encodes a keep-alive frame, newline included.
func KeepAliveFrame(opaque string) string {
	return frame(0, opaque)
}

// EventFrame encodes an event frame, newline included.
func EventFrame(id string, headers map[string]string, body any) string {
	if headers == nil {
		headers = map[string]string{}
	}
	return frame(1, id, headers, body)
}

// EndOfStreamFrame encodes an end-of-stream frame, newline included.
func EndOfStreamFrame(status int, headers map[string]string, info any) string {
	if headers == nil {
		headers = map[string]string{}
	}
	return frame(255, status, headers, info)
}

func frame(fields ...any) string {
	b, err := json.Marshal(fields)
	if err != nil {
		panic(fmt.Sprintf("encode frame: %v", err))
	}
	return string(b) + "\n"
}
