package archive

import (
	"context"
	"reflect"

	"github.com/pkg/errors"

	"github.com/bobg/geocache"
	"github.com/bobg/geocache/header"
	"github.com/bobg/geocache/pod"
)

var podKinds = map[reflect.Kind]pod.Kind{
	reflect.Uint8:   pod.Uint8,
	reflect.Int8:    pod.Int8,
	reflect.Uint16:  pod.Uint16,
	reflect.Int16:   pod.Int16,
	reflect.Uint32:  pod.Uint32,
	reflect.Int32:   pod.Int32,
	reflect.Uint64:  pod.Uint64,
	reflect.Int64:   pod.Int64,
	reflect.Float32: pod.Float32,
	reflect.Float64: pod.Float64,
}

// checkGo reports a schema violation unless T is the Go type of hdr's pod kind.
func checkGo[T pod.Number](hdr header.Property) error {
	var zero T
	if k, ok := podKinds[reflect.TypeOf(zero).Kind()]; ok && k == hdr.POD {
		return nil
	}
	return errors.Wrapf(geocache.ErrSchemaViolation, "property %s holds %s, not %T", hdr.Name, hdr.POD, zero)
}

// SetScalar writes the next sample of a scalar property from Go values.
// T must match the property's pod kind,
// and there must be exactly extent values.
func SetScalar[T pod.Number](ctx context.Context, w *ScalarWriter, vals ...T) error {
	if err := checkGo[T](w.hdr); err != nil {
		return err
	}
	return w.Set(ctx, pod.Encode(vals...))
}

// GetScalar returns sample i of a scalar property as Go values.
func GetScalar[T pod.Number](ctx context.Context, r *ScalarReader, i int) ([]T, error) {
	if err := checkGo[T](r.hdr); err != nil {
		return nil, err
	}
	data, err := r.Get(ctx, i)
	if err != nil {
		return nil, err
	}
	return pod.Decode[T](data)
}

// SetArray writes the next sample of an array property from Go values.
// If no dims are given, the array is one-dimensional.
func SetArray[T pod.Number](ctx context.Context, w *ArrayWriter, vals []T, dims ...uint64) error {
	if err := checkGo[T](w.hdr); err != nil {
		return err
	}
	return w.Set(ctx, ArraySample{Data: pod.Encode(vals...), Dims: dims})
}

// GetArray returns sample i of an array property as Go values,
// with its dimensions.
func GetArray[T pod.Number](ctx context.Context, r *ArrayReader, i int) ([]T, []uint64, error) {
	if err := checkGo[T](r.hdr); err != nil {
		return nil, nil, err
	}
	s, err := r.Get(ctx, i)
	if err != nil {
		return nil, nil, err
	}
	vals, err := pod.Decode[T](s.Data)
	return vals, s.Dims, err
}
