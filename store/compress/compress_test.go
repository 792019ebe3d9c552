package compress

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"testing"
	"testing/quick"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bobg/geocache"
	"github.com/bobg/geocache/store/mem"
	"github.com/bobg/geocache/testutil"
)

func TestReadWrite(t *testing.T) {
	for _, tag := range []Tag{None, LZ4, Zstd, BG4LZ4} {
		t.Run(tag.String(), func(t *testing.T) {
			testutil.ReadWrite(context.Background(), t, func(*testing.T) geocache.Backend {
				return New(mem.New(), tag)
			})
		})
	}
}

func TestShrinks(t *testing.T) {
	ctx := context.Background()

	var (
		// A stepped float32 ramp, each value repeated 64 times.
		steps []byte

		// A slowly varying float32 curve.
		// Only byte transposition exposes its redundancy to LZ4.
		curve []byte
	)
	for i := 0; i < 4096; i++ {
		steps = binary.LittleEndian.AppendUint32(steps, math.Float32bits(float32(i/64)))
		curve = binary.LittleEndian.AppendUint32(curve, math.Float32bits(float32(math.Sin(float64(i)/100))))
	}

	cases := []struct {
		tag    Tag
		sample []byte
	}{
		{LZ4, steps},
		{Zstd, steps},
		{Zstd, curve},
		{BG4LZ4, steps},
		{BG4LZ4, curve},
	}
	for i, tc := range cases {
		tag, sample := tc.tag, tc.sample
		t.Run(fmt.Sprintf("%s_%d", tag, i), func(t *testing.T) {
			var (
				plain      = mem.New()
				compressed = mem.New()
			)
			for _, b := range []geocache.Backend{plain, New(compressed, tag)} {
				w, err := b.Create(ctx)
				if err != nil {
					t.Fatal(err)
				}
				if _, err = w.AddData(ctx, w.Root(), sample); err != nil {
					t.Fatal(err)
				}
				if err = w.Close(); err != nil {
					t.Fatal(err)
				}
			}
			if compressed.Len() >= plain.Len() {
				t.Errorf("compressed container is %d bytes, uncompressed %d", compressed.Len(), plain.Len())
			}

			r, err := New(compressed, tag).Open(ctx)
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()
			h, err := r.Child(ctx, r.Root(), 0)
			if err != nil {
				t.Fatal(err)
			}
			got, err := r.ReadData(ctx, h)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, sample) {
				t.Error("sample did not survive compression")
			}
		})
	}
}

func TestCorruptSize(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name string
		tag  Tag
		size uint64
	}{
		{"lz4_huge", LZ4, 1 << 40},
		{"bg4_lz4_huge", BG4LZ4, 1 << 40},
		{"zstd_huge", Zstd, 1 << 40},
		{"none_mismatch", None, 4},
		{"overflows_int", LZ4, 1 << 63},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			block := protowire.AppendVarint([]byte{byte(tc.tag)}, tc.size)
			block = append(block, "abc"...)

			nested := mem.New()
			w, err := nested.Create(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if _, err = w.AddData(ctx, w.Root(), block); err != nil {
				t.Fatal(err)
			}
			if err = w.Close(); err != nil {
				t.Fatal(err)
			}

			r, err := New(nested, tc.tag).Open(ctx)
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()
			h, err := r.Child(ctx, r.Root(), 0)
			if err != nil {
				t.Fatal(err)
			}
			if _, err = r.ReadData(ctx, h); !errors.Is(err, geocache.ErrFormat) {
				t.Errorf("got %v, want ErrFormat", err)
			}
		})
	}
}

func TestBG4(t *testing.T) {
	f := func(data []byte) bool {
		return bytes.Equal(data, bg4Untranspose(bg4Transpose(data)))
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}
