// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bufio"
	"bytes"
	"io"
	"sync"
)

// maxPooledBuffer is the largest buffer capacity returned to the write pool.
const maxPooledBuffer = 64 * 1024

var bufPool = &sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// GetBuffer takes an empty buffer from the write pool. Return it with
// PutBuffer once its bytes are no longer referenced.
func GetBuffer() *bytes.Buffer {
	return bufPool.Get().(*bytes.Buffer)
}

// PutBuffer returns a buffer to the write pool unless it has grown past
// maxPooledBuffer, so a single large payload does not pin memory.
func PutBuffer(b *bytes.Buffer) {
	if b.Cap() > maxPooledBuffer {
		return
	}
	b.Reset()
	bufPool.Put(b)
}

// ReadFixedHeader reads the fixed header of the next packet in the stream.
func ReadFixedHeader(r io.ByteReader, fh *FixedHeader) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}

	if err = fh.Decode(b); err != nil {
		return err // [MQTT-2.2.2-2]
	}

	fh.Remaining, _, err = DecodeLength(r)
	if err != nil {
		return err
	}

	return nil
}

// ReadPacket reads and decodes the next complete packet from the stream. If
// maxSize is greater than 0, packets with a larger remaining length are
// rejected with ErrPacketTooLarge. The remaining bytes are always read into a
// fresh buffer, so decoded fields never alias the reader's internal buffer.
func ReadPacket(r *bufio.Reader, maxSize int) (Packet, error) {
	var fh FixedHeader
	if err := ReadFixedHeader(r, &fh); err != nil {
		return Packet{}, err
	}

	if maxSize > 0 && fh.Remaining > maxSize {
		return Packet{}, ErrPacketTooLarge
	}

	buf := make([]byte, fh.Remaining)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Packet{}, err
	}

	pk := Packet{FixedHeader: fh}
	if err := pk.Decode(buf); err != nil {
		return Packet{}, err
	}

	return pk, nil
}

// WritePacket encodes the packet and writes it to w in a single call.
func WritePacket(w io.Writer, pk Packet) (int, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	if err := pk.Encode(buf); err != nil {
		return 0, err
	}

	return w.Write(buf.Bytes())
}
