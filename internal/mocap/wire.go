// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package mocap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/relabs-tech/mocap_pilot/internal/pose"
)

// Coord is one position coordinate on the wire. A lost marker is sent as null
// or as the string "NaN"; both decode to NaN. NaN encodes as null.
type Coord float64

func (c *Coord) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*c = Coord(math.NaN())
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("coordinate %q: %w", s, err)
		}
		*c = Coord(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*c = Coord(v)
	return nil
}

func (c Coord) MarshalJSON() ([]byte, error) {
	v := float64(c)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

type wireBody struct {
	PosMM *[3]Coord   `json:"pos_mm"`
	Rot   *[9]float64 `json:"rot,omitempty"`
	Euler *[3]float64 `json:"euler,omitempty"`
}

type wireFrame struct {
	Frame  uint64              `json:"frame"`
	Bodies map[string]wireBody `json:"bodies"`
}

type wireBodyList struct {
	Bodies []string `json:"bodies"`
}

// DecodeFrame parses a frames-topic message. A body without pos_mm is treated
// as lost.
func DecodeFrame(b []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(b, &w); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	f := Frame{Number: w.Frame, Bodies: make(map[string]pose.Sample, len(w.Bodies))}
	for name, wb := range w.Bodies {
		s := pose.Sample{Rotation: wb.Rot, Euler: wb.Euler}
		if wb.PosMM == nil {
			s.PositionMM = [3]float64{math.NaN(), math.NaN(), math.NaN()}
		} else {
			for i, c := range wb.PosMM {
				s.PositionMM[i] = float64(c)
			}
		}
		f.Bodies[name] = s
	}
	return f, nil
}

// EncodeFrame is the inverse of DecodeFrame.
func EncodeFrame(f Frame) ([]byte, error) {
	w := wireFrame{Frame: f.Number, Bodies: make(map[string]wireBody, len(f.Bodies))}
	for name, s := range f.Bodies {
		pos := [3]Coord{Coord(s.PositionMM[0]), Coord(s.PositionMM[1]), Coord(s.PositionMM[2])}
		w.Bodies[name] = wireBody{PosMM: &pos, Rot: s.Rotation, Euler: s.Euler}
	}
	return json.Marshal(w)
}

// DecodeBodies parses a bodies-topic message.
func DecodeBodies(b []byte) ([]string, error) {
	var w wireBodyList
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("decode body list: %w", err)
	}
	return w.Bodies, nil
}

// EncodeBodies builds a bodies-topic message.
func EncodeBodies(names []string) ([]byte, error) {
	return json.Marshal(wireBodyList{Bodies: names})
}
