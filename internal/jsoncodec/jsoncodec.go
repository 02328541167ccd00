// Package jsoncodec is the JSON codec used on the wire and in storage.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return defaultConfig.NewDecoder(r).Decode(v)
}
