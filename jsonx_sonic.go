//go:build !nojsonsimd

package main

import "github.com/bytedance/sonic"

// fastJSON is used for V1 lines; key files use sonic.ConfigStd for stable
// field order.
var fastJSON = sonic.ConfigDefault

func fastJSONMarshal(v any) ([]byte, error) {
	return fastJSON.Marshal(v)
}

func fastJSONUnmarshal(data []byte, v any) error {
	return fastJSON.Unmarshal(data, v)
}
