// Package jsoncodec is the single JSON entry point for reports, decoded
// records and the HTTP report endpoint. It uses sonic with encoding/json
// compatible settings so Marshaler implementations such as decimal.Decimal
// are honoured.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// Encode writes v followed by a newline.
func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

// EncodeIndent writes v indented by two spaces, for terminal output.
func EncodeIndent(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	return defaultConfig.NewDecoder(r).Decode(v)
}
