package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-chi/render"
)

const (
	MaxWriteBytes = 256
	maxHexLen     = MaxWriteBytes * 2
)

var (
	ErrNotArray  = errors.New("request body must be a json array")
	ErrTooLong   = errors.New("data is too long to write")
	ErrByteRange = errors.New("array values must be integers between 0 and 255")
)

// ByteArray is card content, encoded in JSON as an array of numbers instead
// of the default base64 string.
type ByteArray []byte

func (b ByteArray) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(b))
	for i, v := range b {
		ints[i] = int(v)
	}
	return json.Marshal(ints)
}

func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	parsed, err := toByteArray(v)
	if err != nil {
		return err
	}

	*b = parsed
	return nil
}

func toByteArray(v any) (ByteArray, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, ErrNotArray
	}

	if len(arr) > MaxWriteBytes {
		return nil, ErrTooLong
	}

	data := make(ByteArray, len(arr))
	for i, x := range arr {
		f, ok := x.(float64)
		if !ok || f != math.Trunc(f) || f < 0 || f > 255 {
			return nil, fmt.Errorf("%w (index %d)", ErrByteRange, i)
		}
		data[i] = byte(f)
	}

	return data, nil
}

// decodeByteArray reads a JSON array of byte values from a request body.
func decodeByteArray(r io.Reader) (ByteArray, error) {
	var v any
	if err := render.DecodeJSON(r, &v); err != nil {
		return nil, ErrNotArray
	}
	return toByteArray(v)
}
