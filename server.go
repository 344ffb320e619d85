// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package mqtt provides an MQTT 3.1.1 broker server with persistent sessions,
// qos 1 and 2 delivery with retries, retained messages, wills and hooks.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/rs/xid"
	"golang.org/x/time/rate"

	"github.com/mochi-mqtt/mqtt311/events"
	"github.com/mochi-mqtt/mqtt311/hooks/storage"
	"github.com/mochi-mqtt/mqtt311/listeners"
	"github.com/mochi-mqtt/mqtt311/packets"
	"github.com/mochi-mqtt/mqtt311/system"
)

const (
	Version                       = "1.0.0" // the current server version.
	defaultSysTopicInterval int64 = 1       // the interval between $SYS topic publishes
	LocalListener                 = "local"
	InlineClientId                = "inline"

	sysTopicPrefix = packets.SysPrefix + "SYS"
)

var (
	ErrListenerIDExists       = errors.New("listener id already exists")                               // a listener with the same id already exists
	ErrConnectionClosed       = errors.New("connection not open")                                      // connection is closed
	ErrInlineClientNotEnabled = errors.New("please set Options.InlineClient=true to use this feature") // inline client is not enabled by default
)

// Capabilities indicates the capabilities and features provided by the server.
type Capabilities struct {
	MaximumClients             int64   `yaml:"maximum_clients" json:"maximum_clients"`                             // maximum number of connected clients
	MaximumClientWritesPending int32   `yaml:"maximum_client_writes_pending" json:"maximum_client_writes_pending"` // maximum number of pending message writes for a client
	MaximumPacketSize          uint32  `yaml:"maximum_packet_size" json:"maximum_packet_size"`                     // maximum packet size, no limit if 0
	MaximumConnectionRate      float64 `yaml:"maximum_connection_rate" json:"maximum_connection_rate"`             // new connections allowed per second, no limit if 0
	MaximumConnectionBurst     int     `yaml:"maximum_connection_burst" json:"maximum_connection_burst"`           // connections allowed in a burst above the rate
	MaximumQos                 byte    `yaml:"maximum_qos" json:"maximum_qos"`                                     // maximum qos value available to clients
	RetainAvailable            byte    `yaml:"retain_available" json:"retain_available"`                           // support of retain messages
	WildcardSubAvailable       byte    `yaml:"wildcard_sub_available" json:"wildcard_sub_available"`               // support of wildcard subscriptions
}

// NewDefaultServerCapabilities defines the default features and capabilities provided by the server.
func NewDefaultServerCapabilities() *Capabilities {
	return &Capabilities{
		MaximumClients:             math.MaxInt64, // maximum number of connected clients
		MaximumClientWritesPending: 1024 * 8,      // maximum number of pending message writes for a client
		MaximumPacketSize:          0,             // no maximum packet size
		MaximumConnectionRate:      0,             // no connection rate limit
		MaximumQos:                 2,             // maximum qos value available to clients
		RetainAvailable:            1,             // retain messages is available
		WildcardSubAvailable:       1,             // wildcard subscriptions are available
	}
}

// Options contains configurable options for the server.
type Options struct {
	// Listeners specifies any listeners which should be dynamically added on serve. Used when setting listeners by config.
	Listeners []listeners.Config `yaml:"listeners" json:"listeners"`

	// Hooks specifies any hooks which should be dynamically added on serve. Used when setting hooks by config.
	Hooks []HookLoadConfig `yaml:"hooks" json:"hooks"`

	// Capabilities defines the server features and behaviour. If you only wish to modify
	// several of these values, set them explicitly - e.g.
	// 	server.Options.Capabilities.MaximumClientWritesPending = 16 * 1024
	Capabilities *Capabilities `yaml:"capabilities" json:"capabilities"`

	// ClientNetReadBufferSize specifies the size of the client *bufio.Reader read buffer.
	ClientNetReadBufferSize int `yaml:"client_net_read_buffer_size" json:"client_net_read_buffer_size"`

	// ClientInboundQueueSize is the number of decoded packets which may wait
	// for the dispatcher before the reader blocks.
	ClientInboundQueueSize int `yaml:"client_inbound_queue_size" json:"client_inbound_queue_size"`

	// ConnectTimeout is the time allowed between accepting a connection and
	// receiving its CONNECT packet.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`

	// RetryInterval is the time to wait for a qos acknowledgement before
	// re-sending the packet.
	RetryInterval time.Duration `yaml:"retry_interval" json:"retry_interval"`

	// MaxRetries is the number of re-sends of an unacknowledged packet before
	// giving up. 0 retries until the connection ends.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// StoreCapacity is the maximum number of stored qos messages per session.
	StoreCapacity int `yaml:"store_capacity" json:"store_capacity"`

	// RestoreSysInfoOnRestart restores the cumulative counters from a stored
	// system info as if the server never stopped.
	RestoreSysInfoOnRestart bool `yaml:"restore_sys_info_on_restart" json:"restore_sys_info_on_restart"`

	// Logger specifies a custom configured implementation of log/slog to override
	// the servers default logger configuration. If you wish to change the log level,
	// of the default logger, you can do so by setting:
	// server := mqtt.New(nil)
	// level := new(slog.LevelVar)
	// server.Log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
	// 	Level: level,
	// }))
	// level.Set(slog.LevelDebug)
	Logger *slog.Logger `yaml:"-" json:"-"`

	// SysTopicResendInterval specifies the interval between $SYS topic updates in seconds.
	SysTopicResendInterval int64 `yaml:"sys_topic_resend_interval" json:"sys_topic_resend_interval"`

	// Enable Inline client to allow direct publishing from the parent codebase.
	InlineClient bool `yaml:"inline_client" json:"inline_client"`
}

// UndeliveredMessage is raised when a published message matched no subscription.
type UndeliveredMessage struct {
	SenderID string         // the client id of the publisher
	Packet   packets.Packet // the publish packet
}

// Server is an MQTT broker server. It should be created with server.New()
// in order to ensure all the internal fields are correctly populated.
type Server struct {
	Options      *Options                           // configurable server options
	Listeners    *listeners.Listeners               // listeners are network interfaces which listen for new connections
	Clients      *Clients                           // connected clients keyed on client id
	Sessions     *Sessions                          // sessions of connected and disconnected clients
	Wills        *Wills                             // will messages of connected clients
	Retained     *Retained                          // retained messages keyed on topic
	Topics       *TopicsIndex                       // an index of topic filter subscriptions
	Info         *system.Info                       // values about the server commonly known as $SYS topics
	Undelivered  *events.Sender[UndeliveredMessage] // raised when a message has no subscribers
	loop         *loop                              // loop contains tickers for the system event loop
	done         chan bool                          // indicate that the server is ending
	Log          *slog.Logger                       // minimal no-alloc logger
	hooks        *Hooks                             // hooks contains hooks for extra functionality such as auth and persistent storage
	inlineClient *Client                            // inlineClient is a special client used for inline Publish
	limiter      *rate.Limiter                      // limits the rate of new connections, if set
}

// loop contains interval tickers for the system events loop.
type loop struct {
	sysTopics *time.Ticker // interval ticker for sending updating $SYS topics
}

// ops contains server values which can be propagated to other structs.
type ops struct {
	options *Options     // a pointer to the server options and capabilities, for referencing in clients
	info    *system.Info // pointers to server system info
	hooks   *Hooks       // pointer to the server hooks
	log     *slog.Logger // a structured logger for the client
}

// New returns a new instance of mochi mqtt broker. Optional parameters
// can be specified to override some default settings (see Options).
func New(opts *Options) *Server {
	if opts == nil {
		opts = new(Options)
	}

	opts.ensureDefaults()

	s := &Server{
		done:        make(chan bool),
		Clients:     NewClients(),
		Sessions:    NewSessions(opts.StoreCapacity),
		Wills:       NewWills(),
		Retained:    NewRetained(),
		Topics:      NewTopicsIndex(),
		Listeners:   listeners.New(),
		Undelivered: new(events.Sender[UndeliveredMessage]),
		loop: &loop{
			sysTopics: time.NewTicker(time.Second * time.Duration(opts.SysTopicResendInterval)),
		},
		Options: opts,
		Info: &system.Info{
			Version: Version,
			Started: time.Now().Unix(),
		},
		Log: opts.Logger,
		hooks: &Hooks{
			Log: opts.Logger,
		},
	}

	if c := opts.Capabilities; c.MaximumConnectionRate > 0 {
		burst := c.MaximumConnectionBurst
		if burst < 1 {
			burst = int(math.Max(1, c.MaximumConnectionRate))
		}
		s.limiter = rate.NewLimiter(rate.Limit(c.MaximumConnectionRate), burst)
	}

	if s.Options.InlineClient {
		s.inlineClient = s.NewClient(nil, LocalListener, InlineClientId, true)
	}

	return s
}

// ensureDefaults ensures that the server starts with sane default values, if none are provided.
func (o *Options) ensureDefaults() {
	if o.Capabilities == nil {
		o.Capabilities = NewDefaultServerCapabilities()
	}

	if o.Capabilities.MaximumClients == 0 {
		o.Capabilities.MaximumClients = math.MaxInt64
	}

	if o.Capabilities.MaximumClientWritesPending == 0 {
		o.Capabilities.MaximumClientWritesPending = 1024 * 8
	}

	if o.SysTopicResendInterval == 0 {
		o.SysTopicResendInterval = defaultSysTopicInterval
	}

	if o.ClientNetReadBufferSize == 0 {
		o.ClientNetReadBufferSize = 1024 * 2
	}

	if o.ClientInboundQueueSize == 0 {
		o.ClientInboundQueueSize = defaultClientQueueSize
	}

	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}

	if o.RetryInterval == 0 {
		o.RetryInterval = DefaultRetryInterval
	}

	if o.StoreCapacity == 0 {
		o.StoreCapacity = DefaultStoreCapacity
	}

	if o.Logger == nil {
		log := slog.New(slog.NewTextHandler(os.Stdout, nil))
		o.Logger = log
	}
}

// NewClient returns a new Client instance, populated with all the required values and
// references to be used with the server. If you are using this client to directly publish
// messages from the embedding application, set the inline flag to true to bypass ACL and
// topic validation checks.
func (s *Server) NewClient(c net.Conn, listener string, id string, inline bool) *Client {
	cl := newClient(c, &ops{
		options: s.Options,
		info:    s.Info,
		hooks:   s.hooks,
		log:     s.Log,
	})

	cl.ID = id
	cl.Net.Listener = listener
	cl.Net.Inline = inline

	return cl
}

// AddHook attaches a new Hook to the server. Ideally, this should be called
// before the server is started with s.Serve().
func (s *Server) AddHook(hook Hook, config any) error {
	nl := s.Log.With("hook", hook.ID())
	hook.SetOpts(nl, &HookOptions{
		Capabilities: s.Options.Capabilities,
	})

	s.Log.Info("added hook", "hook", hook.ID())
	return s.hooks.Add(hook, config)
}

// AddHooksFromConfig adds hooks to the server which were specified in the hooks config (usually from a config file).
func (s *Server) AddHooksFromConfig(hooks []HookLoadConfig) error {
	for _, h := range hooks {
		if err := s.AddHook(h.Hook, h.Config); err != nil {
			return err
		}
	}
	return nil
}

// AddListener adds a new network listener to the server, for receiving incoming client connections.
func (s *Server) AddListener(l listeners.Listener) error {
	if _, ok := s.Listeners.Get(l.ID()); ok {
		return ErrListenerIDExists
	}

	nl := s.Log.With(slog.String("listener", l.ID()))
	err := l.Init(nl)
	if err != nil {
		return err
	}

	s.Listeners.Add(l)

	s.Log.Info("attached listener", "id", l.ID(), "protocol", l.Protocol(), "address", l.Address())
	return nil
}

// AddListenersFromConfig adds listeners to the server which were specified in the listeners config (usually from a config file).
// New built-in listeners should be added to this list.
func (s *Server) AddListenersFromConfig(configs []listeners.Config) error {
	for _, conf := range configs {
		var l listeners.Listener
		switch strings.ToLower(conf.Type) {
		case listeners.TypeTCP:
			l = listeners.NewTCP(conf)
		case listeners.TypeWS:
			l = listeners.NewWebsocket(conf)
		case listeners.TypeUnix:
			l = listeners.NewUnixSock(conf)
		case listeners.TypeHealthCheck:
			l = listeners.NewHTTPHealthCheck(conf)
		case listeners.TypeSysInfo:
			l = listeners.NewHTTPStats(conf, s.Info)
		case listeners.TypeMock:
			l = listeners.NewMockListener(conf.ID, conf.Address)
		default:
			s.Log.Error("listener type unavailable by config", "listener", conf.Type)
			continue
		}
		if err := s.AddListener(l); err != nil {
			return err
		}
	}
	return nil
}

// Serve starts the event loops responsible for establishing client connections
// on all attached listeners, publishing the system topics, and starting all hooks.
func (s *Server) Serve() error {
	s.Log.Info("mochi mqtt starting", "version", Version)
	defer s.Log.Info("mochi mqtt server started")

	if len(s.Options.Listeners) > 0 {
		err := s.AddListenersFromConfig(s.Options.Listeners)
		if err != nil {
			return err
		}
	}

	if len(s.Options.Hooks) > 0 {
		err := s.AddHooksFromConfig(s.Options.Hooks)
		if err != nil {
			return err
		}
	}

	if s.hooks.Provides(
		StoredSessions,
		StoredSubscriptions,
		StoredMessages,
		StoredRetainedMessages,
		StoredSysInfo,
	) {
		err := s.readStore()
		if err != nil {
			return err
		}
	}

	go s.eventLoop()                            // spin up event loop for issuing $SYS values and closing server.
	s.Listeners.ServeAll(s.EstablishConnection) // start listening on all listeners.
	s.publishSysTopics()                        // begin publishing $SYS system values.
	s.hooks.OnStarted()

	return nil
}

// eventLoop loops forever, publishing the $SYS topics on an interval.
func (s *Server) eventLoop() {
	s.Log.Debug("system event loop started")
	defer s.Log.Debug("system event loop halted")

	for {
		select {
		case <-s.done:
			s.loop.sysTopics.Stop()
			return
		case <-s.loop.sysTopics.C:
			s.publishSysTopics()
		}
	}
}

// EstablishConnection establishes a new client when a listener accepts a new connection.
func (s *Server) EstablishConnection(listener string, c net.Conn) error {
	cl := s.NewClient(c, listener, "", false)
	return s.attachClient(cl, listener)
}

// attachClient validates an incoming client connection and if viable, attaches the client
// to the server, performs session housekeeping, and reads incoming packets.
func (s *Server) attachClient(cl *Client, listener string) error {
	defer s.Listeners.ClientsWg.Done()
	s.Listeners.ClientsWg.Add(1)

	go cl.WriteLoop()
	defer cl.Stop(nil)

	pk, err := s.readConnectionPacket(cl)
	if err != nil {
		return fmt.Errorf("read connection: %w", err)
	}

	cl.ParseConnect(listener, pk)

	code := pk.ConnectValidate()
	if code != packets.CodeSuccess {
		if code.Code < packets.ErrSubscribeFailure.Code { // connack return codes
			if err := s.SendConnack(cl, code, false); err != nil {
				return fmt.Errorf("invalid connection send ack: %w", err)
			}
		}
		return code // [MQTT-3.2.2-5]
	}

	if cl.ID == "" { // [MQTT-3.1.3-6]
		cl.ID = xid.New().String()
	}

	if atomic.LoadInt64(&s.Info.ClientsConnected) >= s.Options.Capabilities.MaximumClients ||
		(s.limiter != nil && !s.limiter.Allow()) {
		if err := s.SendConnack(cl, packets.ErrServerUnavailable, false); err != nil {
			return fmt.Errorf("server unavailable send ack: %w", err)
		}
		return packets.ErrServerUnavailable
	}

	err = s.hooks.OnConnect(cl, pk)
	if err != nil {
		return err
	}

	if !s.hooks.OnConnectAuthenticate(cl, pk) {
		code := packets.ErrNotAuthorized
		if pk.Connect.UsernameFlag || pk.Connect.PasswordFlag {
			code = packets.ErrBadUsernameOrPassword
		}

		if err := s.SendConnack(cl, code, false); err != nil {
			return fmt.Errorf("invalid connection send ack: %w", err)
		}

		return code
	}

	connected := atomic.AddInt64(&s.Info.ClientsConnected, 1)
	defer atomic.AddInt64(&s.Info.ClientsConnected, -1)
	for {
		peak := atomic.LoadInt64(&s.Info.ClientsMaximum)
		if connected <= peak || atomic.CompareAndSwapInt64(&s.Info.ClientsMaximum, peak, connected) {
			break
		}
	}

	err = s.establishSession(cl)
	if err == nil {
		s.hooks.OnSessionEstablished(cl, pk)
		err = cl.Read(s.receivePacket)
	}

	s.Log.Debug("client disconnected", "error", err, "client", cl.ID, "remote", cl.Net.Remote, "listener", listener)
	s.cleanup(cl, err)

	return err
}

// readConnectionPacket reads the first incoming packet for a connection, and if
// acceptable, returns the valid connection packet.
func (s *Server) readConnectionPacket(cl *Client) (pk packets.Packet, err error) {
	if cl.Net.Conn != nil {
		_ = cl.Net.Conn.SetReadDeadline(time.Now().Add(s.Options.ConnectTimeout))
	}

	pk, err = cl.ReadPacket()
	if err != nil {
		return
	}

	if pk.FixedHeader.Type != packets.Connect {
		return pk, packets.ErrProtocolViolationRequireFirstConnect // [MQTT-3.1.0-1]
	}

	return
}

// establishSession takes over any live connection with the client id,
// resets or resumes the session, sends the CONNACK and replays any pending
// messages and acknowledgements of a resumed session. The session lock is
// held throughout so that deliveries to the session wait for the replay.
func (s *Server) establishSession(cl *Client) error {
	var sess *Session
	var existed bool
	for {
		sess, existed = s.Sessions.LoadOrCreate(cl.ID, cl.Properties.Clean)
		sess.Lock()
		if cur, ok := s.Sessions.Get(cl.ID); ok && cur == sess {
			break
		}
		sess.Unlock() // the session was deleted while waiting for the lock
	}
	defer sess.Unlock()

	if old, ok := s.Clients.Get(cl.ID); ok && old != cl { // [MQTT-3.1.4-2]
		atomic.StoreUint32(&old.State.isTakenOver, 1)
		s.Wills.Delete(cl.ID)
		old.Stop(packets.ErrSessionTakenOver)
		s.Log.Debug("session taken over", "client", cl.ID, "old_remote", old.Net.Remote, "new_remote", cl.Net.Remote)
	}

	present := existed && !sess.Clean()
	if cl.Properties.Clean || (existed && sess.Clean()) { // [MQTT-3.1.2-6]
		s.resetSession(cl, sess)
		present = false
	}

	sess.SetClean(cl.Properties.Clean)
	sess.SetUsername(cl.Properties.Username)
	cl.Session = sess

	if cl.Properties.HasWill {
		will := cl.Properties.Will
		will.Origin = cl.ID
		s.Wills.Set(cl.ID, will)
	} else {
		s.Wills.Delete(cl.ID)
	}

	cl.SetRetrier(NewRetrier(s.Options.RetryInterval, s.Options.MaxRetries,
		func(id uint16) bool {
			return s.retry(cl, sess, id)
		},
		func(id uint16) {
			atomic.AddInt64(&s.Info.InflightDropped, 1)
			s.Log.Warn("gave up waiting for acknowledgement", "client", cl.ID, "id", id)
			s.hooks.OnQosDropped(sess.ID, id)
		},
	))

	cl.setStatus(ConnConnected)
	s.Clients.Add(cl) // [MQTT-4.1.0-1]

	err := s.SendConnack(cl, packets.CodeSuccess, present) // [MQTT-3.2.0-1] [MQTT-3.2.2-2] [MQTT-3.2.2-3]
	if err != nil {
		return fmt.Errorf("ack connection packet: %w", err)
	}

	if present {
		s.resumeSession(cl, sess)
	}

	return nil
}

// resetSession discards all state of a session, removing its subscriptions
// from the index. The session lock must be held.
func (s *Server) resetSession(cl *Client, sess *Session) {
	ids := sess.Store.OrphanPacketIDs()
	for _, msg := range sess.Store.AllStoredMessages() {
		ids = append(ids, msg.PacketID)
	}

	subs := sess.Reset()
	for _, sub := range subs {
		s.Topics.Unsubscribe(sub.Filter, sess.ID)
	}

	if len(subs) > 0 {
		s.hooks.OnUnsubscribed(cl, packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Unsubscribe},
			Filters:     subs,
		})
	}

	for _, id := range ids {
		s.hooks.OnQosComplete(sess.ID, id)
	}
}

// resumeSession replays the stored messages of a session in the order they
// were stored, followed by any pending qos 2 acknowledgements.
func (s *Server) resumeSession(cl *Client, sess *Session) {
	for _, msg := range sess.Store.AllStoredMessages() { // [MQTT-4.4.0-1]
		s.sendStored(cl, sess, msg.PacketID)
	}

	for _, pa := range sess.PendingAcks() {
		switch pa.Type {
		case packets.Pubrel:
			if !sess.Store.IsOrphan(pa.PacketID) {
				sess.RemovePendingAck(pa)
				continue
			}
			cl.Retrier().Track(pa.PacketID)
			cl.Enqueue(s.buildAck(packets.Pubrel, pa.PacketID))
		case packets.Pubrec:
			cl.Enqueue(s.buildAck(packets.Pubrec, pa.PacketID))
		}
	}
}

// SendConnack returns a Connack packet to a client.
func (s *Server) SendConnack(cl *Client, reason packets.Code, present bool) error {
	ack := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Connack,
		},
		SessionPresent: present && reason == packets.CodeSuccess, // [MQTT-3.2.2-4]
		ReturnCode:     reason.Code,
	}

	_, err := cl.WritePacket(ack)
	return err
}

// receivePacket processes an incoming packet for a client. Store
// inconsistencies are logged and do not end the connection.
func (s *Server) receivePacket(cl *Client, pk packets.Packet) error {
	err := s.processPacket(cl, pk)
	if err != nil {
		if errors.Is(err, ErrStoreInconsistency) {
			s.Log.Warn("message store inconsistency", "error", err, "client", cl.ID, "listener", cl.Net.Listener, "pk", pk)
			return nil
		}

		s.Log.Warn("error processing packet", "error", err, "client", cl.ID, "listener", cl.Net.Listener, "pk", pk)
		return err
	}

	return nil
}

// processPacket processes an inbound packet for a client. Since the method is
// typically called as a goroutine, errors are primarily for test checking purposes.
func (s *Server) processPacket(cl *Client, pk packets.Packet) error {
	var err error

	switch pk.FixedHeader.Type {
	case packets.Connect:
		err = packets.ErrProtocolViolationSecondConnect // [MQTT-3.1.0-2]
	case packets.Publish:
		if code := pk.PublishValidate(); code != packets.CodeSuccess {
			err = code
			break
		}
		err = s.processPublish(cl, pk)
	case packets.Puback:
		err = s.processPuback(cl, pk)
	case packets.Pubrec:
		err = s.processPubrec(cl, pk)
	case packets.Pubrel:
		err = s.processPubrel(cl, pk)
	case packets.Pubcomp:
		err = s.processPubcomp(cl, pk)
	case packets.Subscribe:
		if code := pk.SubscribeValidate(); code != packets.CodeSuccess {
			err = code
			break
		}
		err = s.processSubscribe(cl, pk)
	case packets.Unsubscribe:
		if code := pk.UnsubscribeValidate(); code != packets.CodeSuccess {
			err = code
			break
		}
		err = s.processUnsubscribe(cl, pk)
	case packets.Pingreq:
		err = s.processPingreq(cl, pk)
	case packets.Disconnect:
		err = s.processDisconnect(cl, pk)
	default:
		err = fmt.Errorf("%w: %s", packets.ErrProtocolViolationUnexpectedPacket, packets.Names[pk.FixedHeader.Type])
	}

	s.hooks.OnPacketProcessed(cl, pk, err)
	return err
}

// processPingreq processes a Pingreq packet.
func (s *Server) processPingreq(cl *Client, _ packets.Packet) error {
	_, err := cl.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Pingresp, // [MQTT-3.12.4-1]
		},
	})

	return err
}

// Publish publishes a publish packet into the broker as if it were sent from
// the inline client. This is a convenience function which allows the embedding
// application to publish messages without a network connection.
func (s *Server) Publish(topic string, payload []byte, retain bool, qos byte) error {
	if !s.Options.InlineClient {
		return ErrInlineClientNotEnabled
	}

	if qos > 2 {
		return packets.ErrProtocolViolationQosOutOfRange
	}

	if !packets.IsValidTopicName(topic) {
		return packets.ErrProtocolViolationInvalidTopic
	}

	pk := packets.NewPublish(topic, payload, qos, retain)
	pk.Origin = s.inlineClient.ID

	pkx, err := s.hooks.OnPublish(s.inlineClient, pk)
	if err != nil {
		if errors.Is(err, packets.ErrRejectPacket) {
			return nil
		}
		return err
	}

	s.deliver(s.inlineClient, pkx)
	return nil
}

// processPublish processes a Publish packet.
func (s *Server) processPublish(cl *Client, pk packets.Packet) error {
	if !cl.Net.Inline && !s.hooks.OnACLCheck(cl, pk.TopicName, true) {
		if pk.FixedHeader.Qos == 0 {
			return nil
		}

		return packets.ErrNotAuthorized // [MQTT-3.3.5-2]
	}

	pk.Origin = cl.ID
	pk.Created = time.Now().Unix()

	reject := false
	pkx, err := s.hooks.OnPublish(cl, pk)
	if err != nil {
		if !errors.Is(err, packets.ErrRejectPacket) {
			return err
		}
		reject = true
	} else {
		pk = pkx
	}

	switch pk.FixedHeader.Qos {
	case 0:
		if !reject {
			s.deliver(cl, pk)
		}
		return nil
	case 1:
		if !reject {
			s.deliver(cl, pk)
		}
		_, err := cl.WritePacket(s.buildAck(packets.Puback, pk.PacketID)) // [MQTT-4.3.2-2]
		return err
	default:
		var held bool
		if reject {
			held = cl.Session.RejectInbound(pk.PacketID)
		} else {
			held = cl.Session.StoreInbound(pk) // [MQTT-4.3.3-2]
		}

		if held {
			cl.Session.AddPendingAck(PendingAck{Type: packets.Pubrec, PacketID: pk.PacketID})
		}
		_, err := cl.WritePacket(s.buildAck(packets.Pubrec, pk.PacketID))
		return err
	}
}

// deliver retains and fans out a message published by a client. Messages
// published to $ topics by network clients are not delivered.
func (s *Server) deliver(cl *Client, pk packets.Packet) {
	if !cl.Net.Inline && strings.HasPrefix(pk.TopicName, packets.SysPrefix) {
		return
	}

	if pk.FixedHeader.Retain { // [MQTT-3.3.1-5]
		s.retainMessage(cl, pk)
	}

	if n := s.publishToSubscribers(pk); n == 0 && s.Undelivered.Len() > 0 {
		err := s.Undelivered.Raise(context.Background(), UndeliveredMessage{
			SenderID: cl.ID,
			Packet:   pk.Copy(true),
		})
		if err != nil {
			s.Log.Warn("undelivered message handler failed", "error", err, "client", cl.ID, "pk", pk)
		}
	}

	s.hooks.OnPublished(cl, pk)
}

// retainMessage adds a message to the retained store.
func (s *Server) retainMessage(cl *Client, pk packets.Packet) {
	if s.Options.Capabilities.RetainAvailable == 0 {
		return
	}

	out := pk.Copy(false)
	r := s.Retained.Set(out)
	s.hooks.OnRetainMessage(cl, out, r)
	atomic.StoreInt64(&s.Info.Retained, int64(s.Retained.Len()))
}

// publishToSubscribers sends a message to the session of every subscriber
// with a matching filter, returning the number of subscribers. The session
// of each subscriber is locked in turn; no other session lock may be held.
func (s *Server) publishToSubscribers(pk packets.Packet) int {
	subs := s.Topics.Subscribers(pk.TopicName)
	for id, sub := range subs {
		sess, ok := s.Sessions.Get(id)
		if !ok {
			continue
		}

		out := pk.Copy(false)
		out.FixedHeader.Retain = false // [MQTT-3.3.1-9]
		out.FixedHeader.Qos = s.effectiveQos(sub.Qos, pk.FixedHeader.Qos)

		sess.Lock()
		s.sendToSession(sess, out)
		sess.Unlock()
	}

	return len(subs)
}

// effectiveQos returns the qos a message is delivered at.
func (s *Server) effectiveQos(sub, pub byte) byte {
	qos := pub
	if sub < qos {
		qos = sub
	}
	if s.Options.Capabilities.MaximumQos < qos {
		qos = s.Options.Capabilities.MaximumQos
	}
	return qos
}

// sendToSession sends a message to the connected client of a session, or
// stores it for a disconnected session if the qos is above 0. The session
// lock must be held.
func (s *Server) sendToSession(sess *Session, pk packets.Packet) {
	cl, ok := s.Clients.Get(sess.ID)
	online := ok && cl.Session == sess && cl.Status() == ConnConnected

	if pk.FixedHeader.Qos == 0 {
		if !online || !cl.Enqueue(pk) {
			atomic.AddInt64(&s.Info.MessagesDropped, 1)
			s.hooks.OnPublishDropped(sess.ID, pk)
		}
		return
	}

	id, err := sess.Store.StoreMessage(pk, PendingToSend)
	if err != nil {
		atomic.AddInt64(&s.Info.InflightDropped, 1)
		if errors.Is(err, ErrPacketIDsExhausted) {
			s.hooks.OnPacketIDExhausted(sess.ID, pk)
		}
		s.Log.Warn("unable to store message", "error", err, "client", sess.ID, "pk", pk)
		return
	}

	if online {
		s.sendStored(cl, sess, id)
		return
	}

	if msg, ok := sess.Store.Get(id); ok {
		s.hooks.OnQosPublish(sess.ID, msg)
	}
}

// sendStored sends a stored message to a client and waits for its
// acknowledgement. If the outbound queue is full the message is left for
// the retrier.
func (s *Server) sendStored(cl *Client, sess *Session, id uint16) {
	pk, err := sess.Store.MarkSent(id)
	if err != nil {
		s.Log.Warn("unable to send stored message", "error", err, "client", cl.ID, "id", id)
		return
	}

	if msg, ok := sess.Store.Get(id); ok {
		s.hooks.OnQosPublish(sess.ID, msg)
	}

	cl.Retrier().Track(id)
	if !cl.Enqueue(pk) {
		s.Log.Debug("outbound queue full, deferring to retry", "client", cl.ID, "id", id)
	}
}

// retry re-sends the packet of an unacknowledged qos flow. It returns false
// if the flow is no longer pending.
func (s *Server) retry(cl *Client, sess *Session, id uint16) bool {
	if _, ok := sess.Store.Get(id); ok {
		pk, err := sess.Store.MarkSent(id) // [MQTT-4.4.0-1]
		if err != nil {
			return false
		}

		if msg, ok := sess.Store.Get(id); ok {
			s.hooks.OnQosPublish(sess.ID, msg)
		}

		if _, err := cl.WritePacket(pk); err != nil {
			s.Log.Debug("failed re-sending message", "error", err, "client", cl.ID, "id", id)
		}
		return true
	}

	if sess.Store.IsOrphan(id) {
		if _, err := cl.WritePacket(s.buildAck(packets.Pubrel, id)); err != nil {
			s.Log.Debug("failed re-sending pubrel", "error", err, "client", cl.ID, "id", id)
		}
		return true
	}

	return false
}

// buildAck builds a standardised ack message for Puback, Pubrec, Pubrel, Pubcomp packets.
func (s *Server) buildAck(pkt byte, packetID uint16) packets.Packet {
	return packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: pkt,
			Qos:  0,
		},
		PacketID: packetID, // [MQTT-2.3.1-6]
	}
}

// processPuback processes a Puback packet, denoting completion of a QOS 1 packet sent from the server.
func (s *Server) processPuback(cl *Client, pk packets.Packet) error {
	if err := cl.Session.Store.ExpectQos(pk.PacketID, 1); err != nil {
		return err
	}

	cl.Retrier().Cancel(pk.PacketID)
	if _, err := cl.Session.Store.DiscardMessageFromId(pk.PacketID); err != nil {
		return err
	}

	s.hooks.OnQosComplete(cl.Session.ID, pk.PacketID)
	return nil
}

// processPubrec processes a Pubrec packet, denoting receipt of a QOS 2 packet sent from the server.
func (s *Server) processPubrec(cl *Client, pk packets.Packet) error {
	sess := cl.Session
	id := pk.PacketID

	if !sess.Store.IsOrphan(id) {
		if err := sess.Store.ExpectQos(id, 2); err != nil {
			return err
		}

		if _, err := sess.Store.DiscardMessageFromId(id); err != nil {
			return err
		}
		s.hooks.OnQosComplete(sess.ID, id)
		sess.AddPendingAck(PendingAck{Type: packets.Pubrel, PacketID: id})
	}

	cl.Retrier().Track(id)
	_, err := cl.WritePacket(s.buildAck(packets.Pubrel, id)) // [MQTT-4.3.3-1]
	return err
}

// processPubrel processes a Pubrel packet, denoting completion of a QOS 2 packet sent from the client.
func (s *Server) processPubrel(cl *Client, pk packets.Packet) error {
	sess := cl.Session
	msg, ok := sess.TakeInbound(pk.PacketID)
	rejected := !ok && sess.TakeRejected(pk.PacketID)
	sess.RemovePendingAck(PendingAck{Type: packets.Pubrec, PacketID: pk.PacketID})

	if ok {
		s.deliver(cl, msg)
	}

	if _, err := cl.WritePacket(s.buildAck(packets.Pubcomp, pk.PacketID)); err != nil { // [MQTT-4.3.3-1]
		return err
	}

	if !ok && !rejected {
		return fmt.Errorf("pubrel %d: %w", pk.PacketID, ErrPacketIDNotFound)
	}

	return nil
}

// processPubcomp processes a Pubcomp packet, denoting completion of a QOS 2 packet sent from the server.
func (s *Server) processPubcomp(cl *Client, pk packets.Packet) error {
	cl.Retrier().Cancel(pk.PacketID)
	cl.Session.RemovePendingAck(PendingAck{Type: packets.Pubrel, PacketID: pk.PacketID})
	return cl.Session.Store.FreePacketIdentifier(pk.PacketID)
}

// processSubscribe processes a Subscribe packet.
func (s *Server) processSubscribe(cl *Client, pk packets.Packet) error {
	sess := cl.Session
	sess.Lock()
	defer sess.Unlock()

	codes := make([]byte, len(pk.Filters))
	for i, sub := range pk.Filters {
		switch {
		case !packets.IsValidTopicFilter(sub.Filter):
			codes[i] = packets.ErrSubscribeFailure.Code
		case s.Options.Capabilities.WildcardSubAvailable == 0 && strings.ContainsAny(sub.Filter, "+#"):
			codes[i] = packets.ErrSubscribeFailure.Code
		case !cl.Net.Inline && !s.hooks.OnACLCheck(cl, sub.Filter, false):
			codes[i] = packets.ErrSubscribeFailure.Code
		default:
			if sub.Qos > s.Options.Capabilities.MaximumQos {
				sub.Qos = s.Options.Capabilities.MaximumQos
			}

			sess.Subscribe(sub)           // [MQTT-3.8.4-3]
			s.Topics.Subscribe(cl.ID, sub) // [MQTT-3.8.4-1]
			pk.Filters[i] = sub
			codes[i] = sub.Qos // [MQTT-3.9.3-1]
		}
	}

	s.hooks.OnSubscribed(cl, pk, codes)

	_, err := cl.WritePacket(packets.Packet{ // [MQTT-3.8.4-2] [MQTT-3.8.4-5]
		FixedHeader: packets.FixedHeader{
			Type: packets.Suback,
		},
		PacketID:    pk.PacketID, // [MQTT-2.3.1-7]
		ReturnCodes: codes,
	})
	if err != nil {
		return err
	}

	for i, sub := range pk.Filters { // [MQTT-3.3.1-6]
		if codes[i] >= packets.ErrSubscribeFailure.Code {
			continue
		}

		for _, rpk := range s.Retained.Messages(sub.Filter) {
			out := rpk.Copy(false)
			out.FixedHeader.Retain = true // [MQTT-3.3.1-8]
			if codes[i] < out.FixedHeader.Qos {
				out.FixedHeader.Qos = codes[i]
			}
			s.sendToSession(sess, out)
		}
	}

	return nil
}

// processUnsubscribe processes an unsubscribe packet.
func (s *Server) processUnsubscribe(cl *Client, pk packets.Packet) error {
	sess := cl.Session
	sess.Lock()
	for _, sub := range pk.Filters {
		sess.Unsubscribe(sub.Filter)
		s.Topics.Unsubscribe(sub.Filter, cl.ID) // [MQTT-3.10.4-1] [MQTT-3.10.4-2]
	}
	sess.Unlock()

	s.hooks.OnUnsubscribed(cl, pk)

	_, err := cl.WritePacket(packets.Packet{ // [MQTT-3.10.4-4] [MQTT-3.10.4-5]
		FixedHeader: packets.FixedHeader{
			Type: packets.Unsuback,
		},
		PacketID: pk.PacketID, // [MQTT-2.3.1-7]
	})

	return err
}

// processDisconnect processes a Disconnect packet.
func (s *Server) processDisconnect(cl *Client, _ packets.Packet) error {
	s.Wills.Delete(cl.ID) // [MQTT-3.1.2-10]
	cl.Stop(packets.CodeDisconnect)
	return nil
}

// cleanup releases a client after its connection has ended. The will is sent
// if the connection ended without a DISCONNECT, and a clean session is
// deleted unless another connection has taken it over.
func (s *Server) cleanup(cl *Client, err error) {
	if cl.IsTakenOver() {
		err = packets.ErrSessionTakenOver
	}

	cl.Stop(err)

	sess := cl.Session
	if sess == nil {
		return
	}

	var will packets.Packet
	var hasWill, expire bool

	sess.Lock()
	if err != nil && !cl.IsTakenOver() {
		will, hasWill = s.Wills.Take(cl.ID)
	}

	if s.Clients.Remove(cl) && sess.Clean() { // [MQTT-3.1.2-6]
		s.resetSession(cl, sess)
		s.Sessions.Delete(sess)
		expire = true
	}
	sess.Unlock()

	if hasWill {
		s.sendWill(cl, will)
	}

	s.hooks.OnDisconnect(cl, err, expire)
}

// sendWill publishes the will message of a client which disconnected
// without sending DISCONNECT.
func (s *Server) sendWill(cl *Client, pk packets.Packet) {
	pk.Origin = cl.ID
	pk.Created = time.Now().Unix()

	s.deliver(cl, pk) // [MQTT-3.1.2-8]
	s.hooks.OnWillSent(cl, pk)
}

// publishSysTopics publishes the current values to the server $SYS topics.
// Due to the int to string conversions this method is not as cheap as
// some of the others so the publishing interval should be set appropriately.
func (s *Server) publishSysTopics() {
	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Retain: true,
		},
		Created: time.Now().Unix(),
	}

	var subscriptions, inflight int64
	sessions := s.Sessions.GetAll()
	for _, sess := range sessions {
		subscriptions += int64(len(sess.Subscriptions()))
		inflight += int64(sess.Store.Len() + len(sess.Store.OrphanPacketIDs()))
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	atomic.StoreInt64(&s.Info.MemoryAlloc, int64(m.HeapInuse))
	atomic.StoreInt64(&s.Info.Threads, int64(runtime.NumGoroutine()))
	atomic.StoreInt64(&s.Info.Time, time.Now().Unix())
	atomic.StoreInt64(&s.Info.Uptime, time.Now().Unix()-atomic.LoadInt64(&s.Info.Started))
	atomic.StoreInt64(&s.Info.ClientsTotal, int64(len(sessions)))
	atomic.StoreInt64(&s.Info.Subscriptions, subscriptions)
	atomic.StoreInt64(&s.Info.Inflight, inflight)
	atomic.StoreInt64(&s.Info.Retained, int64(s.Retained.Len()))

	disconnected := atomic.LoadInt64(&s.Info.ClientsTotal) - atomic.LoadInt64(&s.Info.ClientsConnected)
	if disconnected < 0 {
		disconnected = 0
	}
	atomic.StoreInt64(&s.Info.ClientsDisconnected, disconnected)

	info := s.Info.Clone()
	topics := map[string]string{
		sysTopicPrefix + "/broker/version":              s.Info.Version,
		sysTopicPrefix + "/broker/time":                 Int64toa(info.Time),
		sysTopicPrefix + "/broker/uptime":               Int64toa(info.Uptime),
		sysTopicPrefix + "/broker/started":              Int64toa(info.Started),
		sysTopicPrefix + "/broker/load/bytes/received":  Int64toa(info.BytesReceived),
		sysTopicPrefix + "/broker/load/bytes/sent":      Int64toa(info.BytesSent),
		sysTopicPrefix + "/broker/clients/connected":    Int64toa(info.ClientsConnected),
		sysTopicPrefix + "/broker/clients/disconnected": Int64toa(info.ClientsDisconnected),
		sysTopicPrefix + "/broker/clients/maximum":      Int64toa(info.ClientsMaximum),
		sysTopicPrefix + "/broker/clients/total":        Int64toa(info.ClientsTotal),
		sysTopicPrefix + "/broker/packets/received":     Int64toa(info.PacketsReceived),
		sysTopicPrefix + "/broker/packets/sent":         Int64toa(info.PacketsSent),
		sysTopicPrefix + "/broker/messages/received":    Int64toa(info.MessagesReceived),
		sysTopicPrefix + "/broker/messages/sent":        Int64toa(info.MessagesSent),
		sysTopicPrefix + "/broker/messages/dropped":     Int64toa(info.MessagesDropped),
		sysTopicPrefix + "/broker/messages/inflight":    Int64toa(info.Inflight),
		sysTopicPrefix + "/broker/retained":             Int64toa(info.Retained),
		sysTopicPrefix + "/broker/subscriptions":        Int64toa(info.Subscriptions),
		sysTopicPrefix + "/broker/system/memory":        Int64toa(info.MemoryAlloc),
		sysTopicPrefix + "/broker/system/threads":       Int64toa(info.Threads),
	}

	for topic, payload := range topics {
		pk.TopicName = topic
		pk.Payload = []byte(payload)
		s.Retained.Set(pk.Copy(false))
		s.publishToSubscribers(pk)
	}

	s.hooks.OnSysInfoTick(info)
}

// Close attempts to gracefully shut down the server, all listeners, clients, and stores.
func (s *Server) Close() error {
	close(s.done)
	s.Log.Info("gracefully stopping server")
	s.Listeners.CloseAll(s.closeListenerClients)
	s.hooks.OnStopped()
	s.hooks.Stop()

	s.Log.Info("mochi mqtt server stopped")
	return nil
}

// closeListenerClients closes all clients on the specified listener.
func (s *Server) closeListenerClients(listener string) {
	clients := s.Clients.GetByListener(listener)
	for _, cl := range clients {
		cl.Stop(packets.ErrServerShuttingDown)
	}
}

// readStore reads in any data from the persistent datastore (if applicable).
func (s *Server) readStore() error {
	if s.hooks.Provides(StoredSessions) {
		sessions, err := s.hooks.StoredSessions()
		if err != nil {
			return fmt.Errorf("failed to load sessions; %w", err)
		}
		s.loadSessions(sessions)
		s.Log.Debug("loaded sessions from store", "len", len(sessions))
	}

	if s.hooks.Provides(StoredSubscriptions) {
		subs, err := s.hooks.StoredSubscriptions()
		if err != nil {
			return fmt.Errorf("load subscriptions; %w", err)
		}
		s.loadSubscriptions(subs)
		s.Log.Debug("loaded subscriptions from store", "len", len(subs))
	}

	if s.hooks.Provides(StoredMessages) {
		messages, err := s.hooks.StoredMessages()
		if err != nil {
			return fmt.Errorf("load messages; %w", err)
		}
		s.loadMessages(messages)
		s.Log.Debug("loaded session messages from store", "len", len(messages))
	}

	if s.hooks.Provides(StoredRetainedMessages) {
		retained, err := s.hooks.StoredRetainedMessages()
		if err != nil {
			return fmt.Errorf("load retained; %w", err)
		}
		s.loadRetained(retained)
		s.Log.Debug("loaded retained messages from store", "len", len(retained))
	}

	if s.hooks.Provides(StoredSysInfo) {
		sysInfo, err := s.hooks.StoredSysInfo()
		if err != nil {
			return fmt.Errorf("load server info; %w", err)
		}
		s.loadServerInfo(sysInfo.Info)
		s.Log.Debug("loaded $SYS info from store")
	}

	return nil
}

// loadServerInfo restores server info from the datastore.
func (s *Server) loadServerInfo(v system.Info) {
	if s.Options.RestoreSysInfoOnRestart {
		atomic.StoreInt64(&s.Info.BytesReceived, v.BytesReceived)
		atomic.StoreInt64(&s.Info.BytesSent, v.BytesSent)
		atomic.StoreInt64(&s.Info.ClientsMaximum, v.ClientsMaximum)
		atomic.StoreInt64(&s.Info.MessagesReceived, v.MessagesReceived)
		atomic.StoreInt64(&s.Info.MessagesSent, v.MessagesSent)
		atomic.StoreInt64(&s.Info.MessagesDropped, v.MessagesDropped)
		atomic.StoreInt64(&s.Info.PacketsReceived, v.PacketsReceived)
		atomic.StoreInt64(&s.Info.PacketsSent, v.PacketsSent)
		atomic.StoreInt64(&s.Info.InflightDropped, v.InflightDropped)
	}
	atomic.StoreInt64(&s.Info.Retained, v.Retained)
	atomic.StoreInt64(&s.Info.Inflight, v.Inflight)
	atomic.StoreInt64(&s.Info.Subscriptions, v.Subscriptions)
}

// loadSessions restores persistent sessions from the datastore. Clean
// sessions never outlive their connection and are skipped.
func (s *Server) loadSessions(v []storage.Session) {
	for _, c := range v {
		if c.Clean {
			continue
		}

		sess, _ := s.Sessions.LoadOrCreate(c.ID, false)
		sess.SetUsername(c.Username)
	}
}

// loadSubscriptions restores subscriptions from the datastore.
func (s *Server) loadSubscriptions(v []storage.Subscription) {
	for _, sub := range v {
		sb := packets.Subscription{
			Filter: sub.Filter,
			Qos:    sub.Qos,
		}

		sess, _ := s.Sessions.LoadOrCreate(sub.Client, false)
		sess.Subscribe(sb)
		s.Topics.Subscribe(sub.Client, sb)
	}
}

// loadMessages restores the stored qos messages of sessions from the datastore.
func (s *Server) loadMessages(v []storage.Message) {
	for _, msg := range v {
		sess, _ := s.Sessions.LoadOrCreate(msg.Client, false)
		err := sess.Store.Restore(StoredMessage{
			Packet:   msg.ToPacket(),
			Sent:     msg.Sent,
			Resends:  msg.Resends,
			PacketID: msg.PacketID,
			Status:   MessageStatus(msg.Status),
		})
		if err != nil {
			s.Log.Warn("unable to restore stored message", "error", err, "client", msg.Client, "id", msg.PacketID)
		}
	}
}

// loadRetained restores retained messages from the datastore.
func (s *Server) loadRetained(v []storage.Message) {
	for _, msg := range v {
		pk := msg.ToPacket()
		pk.FixedHeader.Retain = true
		s.Retained.Set(pk)
	}
}

// Int64toa converts an int64 to a string.
func Int64toa(v int64) string {
	return strconv.FormatInt(v, 10)
}
