//go:build nojsonsimd

package main

import stdjson "encoding/json"

// Builds tagged nojsonsimd (platforms without sonic's JIT) fall back to
// encoding/json for the V1 wire codec.

func fastJSONMarshal(v any) ([]byte, error) {
	return stdjson.Marshal(v)
}

func fastJSONUnmarshal(data []byte, v any) error {
	return stdjson.Unmarshal(data, v)
}
