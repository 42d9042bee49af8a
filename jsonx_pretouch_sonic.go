//go:build !nojsonsimd

package main

import (
	"reflect"

	"github.com/bytedance/sonic"
)

func init() {
	// Compile the V1 codec paths up front so the first upstream line does
	// not pay sonic's JIT cost. Failures just fall back to lazy compilation.
	_ = sonic.Pretouch(reflect.TypeFor[stratumV1Request]())
	_ = sonic.Pretouch(reflect.TypeFor[stratumV1Message]())
	_ = sonic.Pretouch(reflect.TypeFor[stratumV1Error]())
}
