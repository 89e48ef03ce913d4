package router

import "encoding/base64"

// Key-exchange frames carry the wrapped session key as base64 in the
// frame's content field.

func encodeBlob(blob []byte) string {
	return base64.StdEncoding.EncodeToString(blob)
}

func decodeBlob(content string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(content)
}
