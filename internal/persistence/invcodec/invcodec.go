// Package invcodec serializes inventories into the compact text form stored in
// inventory_snapshots.data: gob, zstd-compressed, base64 (std alphabet) with a version prefix.
package invcodec

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"blocklog.ai/internal/model"
)

const prefixV1 = "v1:"

var ErrUnsupportedVersion = errors.New("unsupported inventory encoding")

type inventoryV1 struct {
	Version int
	Slots   []slotV1
}

type slotV1 struct {
	Slot     int
	Material string
	Count    int
	Meta     map[string]string
}

// Shared encoder/decoder pair; EncodeAll/DecodeAll are safe for concurrent use.
var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// Encode serializes items. Empty slots (count <= 0 or no material) are not stored and
// slots are written in ascending order so identical inventories encode identically.
func Encode(items []model.ItemStack) (string, error) {
	inv := inventoryV1{Version: 1}
	for _, it := range items {
		if it.Count <= 0 || strings.TrimSpace(it.Material) == "" {
			continue
		}
		inv.Slots = append(inv.Slots, slotV1{Slot: it.Slot, Material: it.Material, Count: it.Count, Meta: it.Meta})
	}
	sort.Slice(inv.Slots, func(i, j int) bool { return inv.Slots[i].Slot < inv.Slots[j].Slot })

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&inv); err != nil {
		return "", fmt.Errorf("gob encode: %w", err)
	}
	z := encoder.EncodeAll(buf.Bytes(), nil)
	return prefixV1 + base64.StdEncoding.EncodeToString(z), nil
}

func Decode(data string) ([]model.ItemStack, error) {
	if !strings.HasPrefix(data, prefixV1) {
		return nil, ErrUnsupportedVersion
	}
	z, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(data, prefixV1))
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}
	raw, err := decoder.DecodeAll(z, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	var inv inventoryV1
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&inv); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	if inv.Version != 1 {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, inv.Version)
	}
	out := make([]model.ItemStack, 0, len(inv.Slots))
	for _, s := range inv.Slots {
		out = append(out, model.ItemStack{Slot: s.Slot, Material: s.Material, Count: s.Count, Meta: s.Meta})
	}
	return out, nil
}
