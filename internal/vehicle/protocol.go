// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package vehicle

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Bridge framing used on the serial line to the radio bridge:
//
//	0xAA | len | header | payload... | checksum
//
// len counts header+payload, header is port<<4 | channel as in CRTP, and
// checksum is the byte sum of len, header and payload.
const (
	frameStart     byte = 0xAA
	maxPayloadSize      = 30
)

// Port is the CRTP-style destination of a packet.
type Port byte

const (
	PortParam        Port = 2
	PortLog          Port = 5
	PortLocalization Port = 6
	PortCommander    Port = 7
)

// Channel numbers within a port.
const (
	ChannelParamSetByName byte = 3
	ChannelLogData        byte = 2
	ChannelLocGeneric     byte = 1
	ChannelCommGeneric    byte = 0
)

// Generic commander and localization packet types.
const (
	typeStop     byte = 0
	typeHover    byte = 5
	typePosition byte = 7
	typeExtPose  byte = 8
)

var errChecksum = errors.New("frame checksum mismatch")

// Packet is one decoded frame.
type Packet struct {
	Port    Port
	Channel byte
	Payload []byte
}

func header(port Port, channel byte) byte {
	return byte(port)<<4 | channel&0x0f
}

// Encode frames a packet for the wire.
func (p Packet) Encode() ([]byte, error) {
	if len(p.Payload) > maxPayloadSize {
		return nil, fmt.Errorf("payload of %d bytes exceeds %d", len(p.Payload), maxPayloadSize)
	}
	out := make([]byte, 0, len(p.Payload)+4)
	out = append(out, frameStart, byte(len(p.Payload)+1), header(p.Port, p.Channel))
	out = append(out, p.Payload...)
	var sum byte
	for _, b := range out[1:] {
		sum += b
	}
	return append(out, sum), nil
}

// readPacket reads the next frame, skipping bytes until a start marker.
func readPacket(r *bufio.Reader) (Packet, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return Packet{}, err
		}
		if b != frameStart {
			continue
		}
		n, err := r.ReadByte()
		if err != nil {
			return Packet{}, err
		}
		if n == 0 || int(n) > maxPayloadSize+1 {
			continue
		}
		body := make([]byte, int(n)+1)
		if _, err := io.ReadFull(r, body); err != nil {
			return Packet{}, err
		}
		sum := n
		for _, b := range body[:n] {
			sum += b
		}
		if sum != body[n] {
			return Packet{}, errChecksum
		}
		return Packet{
			Port:    Port(body[0] >> 4),
			Channel: body[0] & 0x0f,
			Payload: body[1:n],
		}, nil
	}
}

func putFloats(typ byte, vals ...float64) []byte {
	buf := make([]byte, 1+4*len(vals))
	buf[0] = typ
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[1+4*i:], math.Float32bits(float32(v)))
	}
	return buf
}

func getFloats(payload []byte, n int) ([]float64, error) {
	if len(payload) < 4*n {
		return nil, fmt.Errorf("payload of %d bytes too short for %d floats", len(payload), n)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(payload[4*i:])))
	}
	return out, nil
}

func positionPacket(x, y, z, yaw float64) Packet {
	return Packet{Port: PortCommander, Channel: ChannelCommGeneric, Payload: putFloats(typePosition, x, y, z, yaw)}
}

func hoverPacket(vx, vy, yawRate, z float64) Packet {
	return Packet{Port: PortCommander, Channel: ChannelCommGeneric, Payload: putFloats(typeHover, vx, vy, yawRate, z)}
}

func stopPacket() Packet {
	return Packet{Port: PortCommander, Channel: ChannelCommGeneric, Payload: []byte{typeStop}}
}

func extPosePacket(x, y, z, qx, qy, qz, qw float64) Packet {
	return Packet{Port: PortLocalization, Channel: ChannelLocGeneric, Payload: putFloats(typeExtPose, x, y, z, qx, qy, qz, qw)}
}

func paramPacket(name, value string) (Packet, error) {
	payload := make([]byte, 0, len(name)+len(value)+1)
	payload = append(payload, name...)
	payload = append(payload, 0)
	payload = append(payload, value...)
	if len(payload) > maxPayloadSize {
		return Packet{}, fmt.Errorf("parameter %s=%s does not fit in one packet", name, value)
	}
	return Packet{Port: PortParam, Channel: ChannelParamSetByName, Payload: payload}, nil
}

func decodeVariance(p Packet) (Variance, bool) {
	if p.Port != PortLog || p.Channel != ChannelLogData {
		return Variance{}, false
	}
	v, err := getFloats(p.Payload, 3)
	if err != nil {
		return Variance{}, false
	}
	return Variance{X: v[0], Y: v[1], Z: v[2]}, true
}
