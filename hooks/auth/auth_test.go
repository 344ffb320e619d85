// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package auth

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mqtt "github.com/mochi-mqtt/mqtt311"
	"github.com/mochi-mqtt/mqtt311/packets"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newLedgerHook(t *testing.T) *Hook {
	h := new(Hook)
	h.SetOpts(logger, nil)

	ln := new(Ledger)
	ln.Auth = checkLedger.Auth
	ln.ACL = checkLedger.ACL
	require.NoError(t, h.Init(&Options{Ledger: ln}))
	return h
}

func TestBasicID(t *testing.T) {
	h := new(Hook)
	require.Equal(t, "auth-ledger", h.ID())
}

func TestBasicProvides(t *testing.T) {
	h := new(Hook)
	require.True(t, h.Provides(mqtt.OnACLCheck))
	require.True(t, h.Provides(mqtt.OnConnectAuthenticate))
	require.False(t, h.Provides(mqtt.OnPublish))
}

func TestBasicInitBadConfig(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	require.ErrorIs(t, h.Init(map[string]any{}), mqtt.ErrInvalidConfigType)
}

func TestBasicInitDefaultConfig(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	require.NoError(t, h.Init(nil))
	require.NotNil(t, h.Ledger())
	require.Empty(t, h.Ledger().Auth)
}

func TestBasicInitWithLedgerPointer(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)

	ln := &Ledger{
		Auth: []AuthRule{{Remote: "127.0.0.1", Allow: true}},
		ACL:  []ACLRule{{Remote: "127.0.0.1", Filters: Filters{"#": ReadWrite}}},
	}

	require.NoError(t, h.Init(&Options{Ledger: ln}))
	require.Same(t, ln, h.Ledger())
}

func TestBasicInitWithLedgerJSON(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)

	require.NoError(t, h.Init(&Options{Data: ledgerJSON}))
	require.Equal(t, ledgerStruct.Auth[0].Username, h.Ledger().Auth[0].Username)
	require.Equal(t, ledgerStruct.ACL[0].Client, h.Ledger().ACL[0].Client)
}

func TestBasicInitWithLedgerYAML(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)

	require.NoError(t, h.Init(&Options{Data: ledgerYAML}))
	require.Equal(t, ledgerStruct.Auth[0].Username, h.Ledger().Auth[0].Username)
	require.Equal(t, ledgerStruct.ACL[0].Client, h.Ledger().ACL[0].Client)
}

func TestBasicInitWithLedgerBadData(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	require.Error(t, h.Init(&Options{Data: []byte("fdsfdsafasd")}))
}

func TestOnConnectAuthenticate(t *testing.T) {
	h := newLedgerHook(t)

	cl := newTestClient("", "mochi", "")
	require.True(t, h.OnConnectAuthenticate(cl, connectWith("mochi", "melon")))
	require.False(t, h.OnConnectAuthenticate(cl, connectWith("mochi", "bad-pass")))
	require.False(t, h.OnConnectAuthenticate(new(mqtt.Client), packets.Packet{}))
}

func TestOnACL(t *testing.T) {
	h := newLedgerHook(t)

	cl := newTestClient("", "mochi", "")
	require.True(t, h.OnACLCheck(cl, "mochi/info", true))
	require.False(t, h.OnACLCheck(cl, "d/j/f", true))
	require.True(t, h.OnACLCheck(cl, "readonly", false))
	require.False(t, h.OnACLCheck(cl, "readonly", true))
}

func TestLedgerUpdatedWhileServing(t *testing.T) {
	h := newLedgerHook(t)
	cl := newTestClient("", "late", "")
	require.False(t, h.OnConnectAuthenticate(cl, connectWith("late", "pass")))

	h.Ledger().Update(&Ledger{Auth: AuthRules{{Username: "late", Allow: true}}})
	require.True(t, h.OnConnectAuthenticate(cl, connectWith("late", "pass")))
}

func TestLedgerHookOnServer(t *testing.T) {
	s := mqtt.New(&mqtt.Options{Logger: logger})
	require.NoError(t, s.AddHook(new(Hook), &Options{Data: ledgerYAML}))
	defer s.Close()

	conn := func(username, password string) byte {
		srv, cl := net.Pipe()
		defer cl.Close()
		go func() {
			_ = s.EstablishConnection("pipe", srv)
		}()

		pk := packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Connect},
			Connect: packets.ConnectParams{
				ProtocolName:     []byte(packets.ProtocolName),
				ProtocolVersion:  packets.ProtocolLevel,
				ClientIdentifier: "zen",
				Clean:            true,
				UsernameFlag:     true,
				Username:         []byte(username),
				PasswordFlag:     true,
				Password:         []byte(password),
			},
		}

		_, err := packets.WritePacket(cl, pk)
		require.NoError(t, err)

		_ = cl.SetReadDeadline(time.Now().Add(2 * time.Second))
		ack, err := packets.ReadPacket(bufio.NewReader(cl), 0)
		require.NoError(t, err)
		return ack.ReturnCode
	}

	require.Equal(t, packets.CodeSuccess.Code, conn("mochi", "melon"))
	require.Equal(t, packets.ErrBadUsernameOrPassword.Code, conn("mochi", "wrong"))
}
