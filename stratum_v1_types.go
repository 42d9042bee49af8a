package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// V1 JSON-RPC shapes. Requests always carry numeric ids the proxy assigns;
// incoming lines are either responses (id set, method empty) or
// notifications (method set).

type stratumV1Request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type stratumV1Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  any    `json:"error,omitempty"`
}

// stratumV1Error is a pool-reported error: [code, "message", traceback] or
// {"code":..,"message":..}.
type stratumV1Error struct {
	Code    int
	Message string
}

func (e *stratumV1Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// V1 share rejection codes as reported by common pools.
const (
	stratumV1ErrOther         = 20
	stratumV1ErrJobNotFound   = 21
	stratumV1ErrDuplicate     = 22
	stratumV1ErrLowDifficulty = 23
	stratumV1ErrUnauthorized  = 24
	stratumV1ErrNotSubscribed = 25
)

const (
	v1MethodConfigure     = "mining.configure"
	v1MethodSubscribe     = "mining.subscribe"
	v1MethodAuthorize     = "mining.authorize"
	v1MethodSubmit        = "mining.submit"
	v1MethodNotify        = "mining.notify"
	v1MethodSetDifficulty = "mining.set_difficulty"
	v1MethodSetExtranonce = "mining.set_extranonce"
	v1MethodSetVersion    = "mining.set_version_mask"
	v1MethodReconnect     = "client.reconnect"
	v1MethodShowMessage   = "client.show_message"
)

var errMalformedV1 = errors.New("malformed v1 message")

// v1Job is a decoded mining.notify.
type v1Job struct {
	JobID string
	// PrevHash is in block header byte order.
	PrevHash [32]byte
	Coinb1   []byte
	Coinb2   []byte
	Branch   [][32]byte
	Version  uint32
	NBits    uint32
	NTime    uint32
	Clean    bool
}

// v1Subscription is the useful part of a mining.subscribe result.
type v1Subscription struct {
	Extranonce1     []byte
	Extranonce2Size int
}

func (m *stratumV1Message) isNotification() bool {
	return m.Method != ""
}

func v1MessageID(id any) (uint64, bool) {
	switch v := id.(type) {
	case float64:
		if v < 0 || v != math.Trunc(v) {
			return 0, false
		}
		return uint64(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case uint64:
		return v, true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func parseV1Error(raw any) *stratumV1Error {
	switch v := raw.(type) {
	case nil:
		return nil
	case []any:
		e := &stratumV1Error{Code: stratumV1ErrOther}
		if len(v) > 0 {
			if code, ok := v1Number(v[0]); ok {
				e.Code = int(code)
			}
		}
		if len(v) > 1 {
			if msg, ok := v[1].(string); ok {
				e.Message = msg
			}
		}
		return e
	case map[string]any:
		e := &stratumV1Error{Code: stratumV1ErrOther}
		if code, ok := v1Number(v["code"]); ok {
			e.Code = int(code)
		}
		if msg, ok := v["message"].(string); ok {
			e.Message = msg
		}
		return e
	case string:
		return &stratumV1Error{Code: stratumV1ErrOther, Message: v}
	default:
		return &stratumV1Error{Code: stratumV1ErrOther, Message: fmt.Sprint(v)}
	}
}

func v1Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func v1ParamString(params []any, i int) (string, error) {
	if i >= len(params) {
		return "", fmt.Errorf("%w: missing param %d", errMalformedV1, i)
	}
	s, ok := params[i].(string)
	if !ok {
		return "", fmt.Errorf("%w: param %d is %T, want string", errMalformedV1, i, params[i])
	}
	return s, nil
}

func v1ParamHexU32(params []any, i int) (uint32, error) {
	s, err := v1ParamString(params, i)
	if err != nil {
		return 0, err
	}
	return parseHexU32(s)
}

func parseHexU32(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s) == 0 || len(s) > 8 {
		return 0, fmt.Errorf("%w: hex u32 %q", errMalformedV1, s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: hex u32 %q: %v", errMalformedV1, s, err)
	}
	return uint32(v), nil
}

func formatHexU32(v uint32) string {
	return fmt.Sprintf("%08x", v)
}

// decodeV1PrevHash recovers header byte order from the V1 prevhash, which
// swaps the bytes of every 4-byte word.
func decodeV1PrevHash(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, fmt.Errorf("%w: prevhash %q", errMalformedV1, s)
	}
	for w := 0; w < 32; w += 4 {
		out[w] = b[w+3]
		out[w+1] = b[w+2]
		out[w+2] = b[w+1]
		out[w+3] = b[w]
	}
	return out, nil
}

// encodeV1PrevHash is the inverse of decodeV1PrevHash.
func encodeV1PrevHash(h [32]byte) string {
	var b [32]byte
	for w := 0; w < 32; w += 4 {
		b[w] = h[w+3]
		b[w+1] = h[w+2]
		b[w+2] = h[w+1]
		b[w+3] = h[w]
	}
	return hex.EncodeToString(b[:])
}

func parseV1Notify(params []any) (v1Job, error) {
	var job v1Job
	if len(params) < 9 {
		return job, fmt.Errorf("%w: notify has %d params", errMalformedV1, len(params))
	}
	var err error
	if job.JobID, err = v1ParamString(params, 0); err != nil {
		return job, err
	}
	prev, err := v1ParamString(params, 1)
	if err != nil {
		return job, err
	}
	if job.PrevHash, err = decodeV1PrevHash(prev); err != nil {
		return job, err
	}
	cb1, err := v1ParamString(params, 2)
	if err != nil {
		return job, err
	}
	if job.Coinb1, err = hex.DecodeString(cb1); err != nil {
		return job, fmt.Errorf("%w: coinb1: %v", errMalformedV1, err)
	}
	cb2, err := v1ParamString(params, 3)
	if err != nil {
		return job, err
	}
	if job.Coinb2, err = hex.DecodeString(cb2); err != nil {
		return job, fmt.Errorf("%w: coinb2: %v", errMalformedV1, err)
	}
	branch, ok := params[4].([]any)
	if !ok && params[4] != nil {
		return job, fmt.Errorf("%w: merkle branch is %T", errMalformedV1, params[4])
	}
	for i, raw := range branch {
		s, ok := raw.(string)
		if !ok {
			return job, fmt.Errorf("%w: merkle branch[%d] is %T", errMalformedV1, i, raw)
		}
		b, err := hex.DecodeString(s)
		if err != nil || len(b) != 32 {
			return job, fmt.Errorf("%w: merkle branch[%d] %q", errMalformedV1, i, s)
		}
		var h [32]byte
		copy(h[:], b)
		job.Branch = append(job.Branch, h)
	}
	if job.Version, err = v1ParamHexU32(params, 5); err != nil {
		return job, err
	}
	if job.NBits, err = v1ParamHexU32(params, 6); err != nil {
		return job, err
	}
	if job.NTime, err = v1ParamHexU32(params, 7); err != nil {
		return job, err
	}
	job.Clean, _ = params[8].(bool)
	return job, nil
}

func parseV1Subscribe(result any) (v1Subscription, error) {
	var sub v1Subscription
	arr, ok := result.([]any)
	if !ok || len(arr) < 3 {
		return sub, fmt.Errorf("%w: subscribe result %v", errMalformedV1, result)
	}
	en1, ok := arr[1].(string)
	if !ok {
		return sub, fmt.Errorf("%w: extranonce1 is %T", errMalformedV1, arr[1])
	}
	b, err := hex.DecodeString(en1)
	if err != nil {
		return sub, fmt.Errorf("%w: extranonce1 %q", errMalformedV1, en1)
	}
	size, ok := v1Number(arr[2])
	if !ok || size < 1 || size > 32 || size != math.Trunc(size) {
		return sub, fmt.Errorf("%w: extranonce2_size %v", errMalformedV1, arr[2])
	}
	sub.Extranonce1 = b
	sub.Extranonce2Size = int(size)
	return sub, nil
}

// parseV1SetExtranonce decodes mining.set_extranonce params.
func parseV1SetExtranonce(params []any) (v1Subscription, error) {
	if len(params) < 2 {
		return v1Subscription{}, fmt.Errorf("%w: set_extranonce has %d params", errMalformedV1, len(params))
	}
	return parseV1Subscribe([]any{nil, params[0], params[1]})
}

func parseV1Difficulty(params []any) (float64, error) {
	if len(params) < 1 {
		return 0, fmt.Errorf("%w: set_difficulty without params", errMalformedV1)
	}
	d, ok := v1Number(params[0])
	if !ok {
		return 0, fmt.Errorf("%w: difficulty %v", errMalformedV1, params[0])
	}
	return d, nil
}

// parseV1ConfigureMask returns the negotiated version-rolling mask, or false
// when the pool declined.
func parseV1ConfigureMask(result any) (uint32, bool) {
	m, ok := result.(map[string]any)
	if !ok {
		return 0, false
	}
	if enabled, _ := m["version-rolling"].(bool); !enabled {
		return 0, false
	}
	s, ok := m["version-rolling.mask"].(string)
	if !ok {
		return 0, false
	}
	mask, err := parseHexU32(s)
	if err != nil || mask == 0 {
		return 0, false
	}
	return mask, true
}

// v1ResultAccepted interprets a submit/authorize response.
func v1ResultAccepted(msg *stratumV1Message) (bool, *stratumV1Error) {
	if e := parseV1Error(msg.Error); e != nil {
		return false, e
	}
	ok, _ := msg.Result.(bool)
	return ok, nil
}
