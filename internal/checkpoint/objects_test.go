package checkpoint

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"strings"
	"testing"
)

func TestObjects_RoundTripPerCompression(t *testing.T) {
	random := make([]byte, 4096)
	rand.New(rand.NewSource(1)).Read(random)

	binary := bytes.Repeat([]byte{0, 1, 2, 3, 0, 0, 0, 9}, 512)

	tests := []struct {
		name string
		data []byte
		tag  compression
	}{
		{"empty", nil, compressionNone},
		{"small", []byte("hi"), compressionNone},
		{"text", []byte(strings.Repeat("package main\n", 200)), compressionZstd},
		{"binary", binary, compressionLZ4},
		{"incompressible", random, compressionNone},
	}

	store := &objectStore{dir: t.TempDir()}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tag := compression(encodeObject(tt.data)[0]); tag != tt.tag {
				t.Errorf("compression = %s, want %s", tag, tt.tag)
			}
			hash, err := store.put(tt.data)
			if err != nil {
				t.Fatal(err)
			}
			if hash != HashBytes(tt.data) {
				t.Errorf("hash mismatch")
			}
			got, err := store.get(hash)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tt.data) {
				t.Errorf("content mismatch")
			}
		})
	}
}

func TestObjects_DetectsCorruption(t *testing.T) {
	store := &objectStore{dir: t.TempDir()}
	hash, err := store.put([]byte("short content"))
	if err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(store.path(hash))
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(store.path(hash), raw, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := store.get(hash); !errors.Is(err, ErrCorruptObject) {
		t.Fatalf("expected ErrCorruptObject, got %v", err)
	}
}

func TestObjects_PutIsIdempotent(t *testing.T) {
	store := &objectStore{dir: t.TempDir()}
	h1, err := store.put([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	h2, err := store.put([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 || !store.has(h1) {
		t.Errorf("put not content-addressed: %s %s", h1, h2)
	}
}
