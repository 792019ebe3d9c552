package main

import (
	"strconv"

	"github.com/x448/float16"

	"github.com/bobg/geocache/pod"
)

// formatValues renders the stored bytes of a sample of kind k,
// one string per value.
func formatValues(k pod.Kind, data []byte) ([]string, error) {
	switch k {
	case pod.Bool:
		return formatEach(pod.DecodeBools(data), strconv.FormatBool), nil
	case pod.Uint8:
		return formatNumbers[uint8](data, func(v uint8) string { return strconv.FormatUint(uint64(v), 10) })
	case pod.Int8:
		return formatNumbers[int8](data, func(v int8) string { return strconv.FormatInt(int64(v), 10) })
	case pod.Uint16:
		return formatNumbers[uint16](data, func(v uint16) string { return strconv.FormatUint(uint64(v), 10) })
	case pod.Int16:
		return formatNumbers[int16](data, func(v int16) string { return strconv.FormatInt(int64(v), 10) })
	case pod.Uint32:
		return formatNumbers[uint32](data, func(v uint32) string { return strconv.FormatUint(uint64(v), 10) })
	case pod.Int32:
		return formatNumbers[int32](data, func(v int32) string { return strconv.FormatInt(int64(v), 10) })
	case pod.Uint64:
		return formatNumbers[uint64](data, func(v uint64) string { return strconv.FormatUint(v, 10) })
	case pod.Int64:
		return formatNumbers[int64](data, func(v int64) string { return strconv.FormatInt(v, 10) })
	case pod.Float16:
		return formatNumbers[uint16](data, func(v uint16) string {
			return strconv.FormatFloat(float64(float16.Frombits(v).Float32()), 'g', -1, 32)
		})
	case pod.Float32:
		return formatNumbers[float32](data, func(v float32) string { return strconv.FormatFloat(float64(v), 'g', -1, 32) })
	case pod.Float64:
		return formatNumbers[float64](data, func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) })
	case pod.String:
		return quoteEach(pod.DecodeStrings(data))
	case pod.Wstring:
		return quoteEach(pod.DecodeWstrings(data))
	}
	return nil, nil
}

func formatNumbers[T pod.Number](data []byte, f func(T) string) ([]string, error) {
	vals, err := pod.Decode[T](data)
	if err != nil {
		return nil, err
	}
	return formatEach(vals, f), nil
}

func formatEach[T any](vals []T, f func(T) string) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = f(v)
	}
	return out
}

func quoteEach(vals []string, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	return formatEach(vals, strconv.Quote), nil
}
