// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadPacketSequence(t *testing.T) {
	var raw []byte
	for _, c := range packetCases {
		raw = append(raw, c.rawBytes...)
	}

	r := bufio.NewReader(bytes.NewReader(raw))
	for i, wanted := range packetCases {
		pk, err := ReadPacket(r, 0)
		require.NoError(t, err, "[i:%d] %s", i, wanted.desc)
		require.Equal(t, wanted.packet, pk, "[i:%d] %s", i, wanted.desc)
	}

	_, err := ReadPacket(r, 0)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadPacketTooLarge(t *testing.T) {
	raw := []byte{Publish << 4, 0x80, 0x01} // 128 remaining
	_, err := ReadPacket(bufio.NewReader(bytes.NewReader(raw)), 64)
	require.ErrorIs(t, err, ErrPacketTooLarge)
}

func TestReadPacketTruncated(t *testing.T) {
	raw := []byte{Puback << 4, 2, 0}
	_, err := ReadPacket(bufio.NewReader(bytes.NewReader(raw)), 0)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadPacketDoesNotAliasReader(t *testing.T) {
	raw := append([]byte{}, packetCases[5].rawBytes...) // publish qos 1
	raw = append(raw, packetCases[5].rawBytes...)

	r := bufio.NewReaderSize(bytes.NewReader(raw), 16)
	first, err := ReadPacket(r, 0)
	require.NoError(t, err)
	_, err = ReadPacket(r, 0)
	require.NoError(t, err)

	require.Equal(t, "a/b/c", first.TopicName)
	require.Equal(t, []byte("hello"), first.Payload)
}

func TestWritePacket(t *testing.T) {
	r, w := net.Pipe()
	defer r.Close()

	go func() {
		pk := Packet{FixedHeader: FixedHeader{Type: Puback}, PacketID: 7}
		_, _ = WritePacket(w, pk)
		w.Close()
	}()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, []byte{Puback << 4, 2, 0, 7}, got)
}

func TestWritePacketEncodeError(t *testing.T) {
	var b bytes.Buffer
	_, err := WritePacket(&b, Packet{FixedHeader: FixedHeader{Type: Publish, Qos: 1}, TopicName: "a"})
	require.ErrorIs(t, err, ErrProtocolViolationNoPacketID)
	require.Equal(t, 0, b.Len())
}

func TestPutBufferDropsLarge(t *testing.T) {
	b := GetBuffer()
	b.Grow(maxPooledBuffer * 2)
	PutBuffer(b) // must not panic or retain

	b = GetBuffer()
	require.Equal(t, 0, b.Len())
	PutBuffer(b)
}
