// Package control implements the §6 Unix-domain control protocol: a
// fixed-field binary packet format over a SCM_CREDENTIALS-bearing
// Unix-domain stream socket, plus the async kill-occurred/kill-stat
// notifications fanned out to subscribed clients.
//
// Grounded on DataDog-datadog-agent/pkg/dogstatsd/listeners/uds_linux.go's
// SO_PASSCRED + unix.ParseUnixCredentials shape for kernel-verified
// registrant identity, and mdlayher/socket's syscall.RawConn.Read pattern
// (vendored in k3s-io-k3s) for issuing unix.Recvmsg against a *net.UnixConn
// without giving up the runtime poller.
package control

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/lowmemkilld/lowmemkilld/internal/evaluator"
	"github.com/lowmemkilld/lowmemkilld/internal/registry"
	"github.com/lowmemkilld/lowmemkilld/internal/stats"
)

// CommandCode identifies a control packet's command, per §6's table.
type CommandCode uint32

const (
	CmdTarget          CommandCode = 0
	CmdProcPrio        CommandCode = 1
	CmdProcRemove      CommandCode = 2
	CmdProcPurge       CommandCode = 3
	CmdGetKillCnt      CommandCode = 4
	CmdSubscribe       CommandCode = 5
	CmdProcKill        CommandCode = 6 // reserved, never accepted from a client
	CmdUpdateProps     CommandCode = 7
	CmdBootCompleted   CommandCode = 8
	CmdStartMonitoring CommandCode = 9
	CmdProcsPrio       CommandCode = 10
)

// notifyKillOccurred and notifyKillStat are the async notification codes
// written to subscribed clients; they are not accepted as incoming commands.
const (
	notifyKillOccurred CommandCode = 1000
	notifyKillStat      CommandCode = 1001
)

// Subscription mask bits, per §6's SUBSCRIBE "event_mask_bit" field.
const (
	SubscribeKillEvents uint32 = 1 << 0
	SubscribeStatEvents uint32 = 1 << 1
)

// MaxClients is the cap on concurrent control clients (§5): a fourth
// connection evicts every existing client.
const MaxClients = 3

const maxPacketBytes = 4096

// Handler is implemented by the daemon object (the reactor's glue layer)
// and receives every successfully parsed command. Handlers run on the
// reactor thread, per §5; ownership/validation errors are returned so the
// server can log-and-ignore per §7 rather than close the connection.
type Handler interface {
	Target(entries []evaluator.TargetEntry) error
	ProcPrio(pid, uid, adj int32, procType registry.ProcessType, registrant int32) error
	ProcRemove(pid, registrant int32) error
	ProcPurge(registrant int32)
	GetKillCnt(low, high int32) uint64
	Subscribe(c *Client, mask uint32)
	UpdateProps() int32
	BootCompleted() int32
	StartMonitoring()
	ProcsPrio(entries []ProcPrioEntry, registrant int32)
}

// ProcPrioEntry is one element of a PROCS_PRIO bulk packet.
type ProcPrioEntry struct {
	PID, UID, Adjustment int32
	ProcType             registry.ProcessType
}

// Client is one connected control socket peer.
type Client struct {
	conn       *net.UnixConn
	fd         int
	registrant int32 // kernel-verified pid from SCM_CREDENTIALS, 0 until the first packet arrives
	mask       uint32
	mu         sync.Mutex
}

// FD returns the client's file descriptor, for epoll registration.
func (c *Client) FD() int { return c.fd }

// Registrant returns the kernel-verified pid this client authenticated
// with on its first packet, or 0 if none has arrived yet.
func (c *Client) Registrant() int32 { return c.registrant }

// SetMask applies the subscription bits from a SUBSCRIBE packet (§6):
// event_mask_bit is OR'd into the client's existing mask so repeated
// SUBSCRIBE calls accumulate rather than replace.
func (c *Client) SetMask(mask uint32) {
	c.mu.Lock()
	c.mask |= mask
	c.mu.Unlock()
}

func (c *Client) write(code CommandCode, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf[:4], uint32(code))
	copy(buf[4:], payload)
	_, err := c.conn.Write(buf)
	return err
}

// Server accepts connections on the control-socket listener and dispatches
// parsed packets to a Handler.
type Server struct {
	log      *logrus.Entry
	path     string
	handler  Handler
	listener *net.UnixListener
	listenFD int

	mu      sync.Mutex
	clients map[int]*Client
}

// New creates a Server bound to handler. Listen must be called before use.
func New(log *logrus.Entry, handler Handler) *Server {
	return &Server{
		log:     log.WithField("component", "control"),
		handler: handler,
		clients: make(map[int]*Client),
	}
}

// Listen binds the Unix-domain stream socket at path (removing a stale
// socket file first, matching daemon-restart behavior) and returns the
// listener fd for epoll registration.
func (s *Server) Listen(path string) (int, error) {
	_ = unix.Unlink(path)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return -1, fmt.Errorf("control: listen %s: %w", path, err)
	}
	f, err := ln.File()
	if err != nil {
		ln.Close()
		return -1, fmt.Errorf("control: dup listener fd: %w", err)
	}
	defer f.Close()
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		ln.Close()
		return -1, fmt.Errorf("control: dup: %w", err)
	}
	s.listener = ln
	s.listenFD = fd
	s.path = path
	return fd, nil
}

// ListenFD returns the listener's descriptor.
func (s *Server) ListenFD() int { return s.listenFD }

// Accept accepts one pending connection, enables SO_PASSCRED on it, and
// returns the new Client plus the set of clients evicted to make room for
// it (§5: "a fourth connection evicts all existing clients").
func (s *Server) Accept() (*Client, []*Client, error) {
	conn, err := s.listener.AcceptUnix()
	if err != nil {
		return nil, nil, fmt.Errorf("control: accept: %w", err)
	}
	rc, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("control: syscallconn: %w", err)
	}
	var fd int
	var sockErr error
	if err := rc.Control(func(cfd uintptr) {
		fd = int(cfd)
		sockErr = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
	}); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("control: rawconn control: %w", err)
	}
	if sockErr != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("control: SO_PASSCRED: %w", sockErr)
	}

	dupFD, err := unix.Dup(fd)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("control: dup client fd: %w", err)
	}

	c := &Client{conn: conn, fd: dupFD}

	s.mu.Lock()
	var evicted []*Client
	if len(s.clients) >= MaxClients {
		for _, existing := range s.clients {
			evicted = append(evicted, existing)
		}
		s.clients = make(map[int]*Client, MaxClients)
	}
	s.clients[dupFD] = c
	s.mu.Unlock()

	return c, evicted, nil
}

// Remove drops a client from the tracked set (on hangup or protocol-fatal
// error) without sending it anything further.
func (s *Server) Remove(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.fd)
	s.mu.Unlock()
	c.conn.Close()
	unix.Close(c.fd)
}

// Close shuts the listener down and disconnects every client.
func (s *Server) Close() error {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[int]*Client)
	s.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
		unix.Close(c.fd)
	}
	if s.listener != nil {
		s.listener.Close()
	}
	unix.Close(s.listenFD)
	_ = unix.Unlink(s.path)
	return nil
}

// HandleReadable reads and dispatches every packet currently available on
// c's socket, using recvmsg so SCM_CREDENTIALS ancillary data travels with
// the payload. Returns ok=false when the connection should be torn down
// (EOF or a transport-level read error, per §7 "transient syscall
// failures: log and continue" -- but a dead connection cannot be retried).
func (s *Server) HandleReadable(c *Client) (ok bool) {
	rc, err := c.conn.SyscallConn()
	if err != nil {
		s.log.WithError(err).Warn("control: syscallconn on readable client")
		return false
	}

	buf := make([]byte, maxPacketBytes)
	oob := make([]byte, unix.CmsgSpace(unix.SizeofUcred))

	for {
		var n, oobn int
		var recvErr error
		ctrlErr := rc.Read(func(fd uintptr) bool {
			n, oobn, _, _, recvErr = unix.Recvmsg(int(fd), buf, oob, unix.MSG_DONTWAIT)
			return true // always consider the I/O complete; recvErr carries EAGAIN
		})
		if ctrlErr != nil {
			s.log.WithError(ctrlErr).Warn("control: rawconn read")
			return false
		}
		if recvErr == unix.EAGAIN {
			return true // drained every pending packet
		}
		if recvErr != nil {
			return false
		}
		if n == 0 {
			return false // peer closed
		}

		if pid, ok := parseCreds(oob[:oobn]); ok && c.registrant == 0 {
			c.registrant = pid
		}

		s.dispatch(c, buf[:n])
	}
}

func parseCreds(oob []byte) (int32, bool) {
	if len(oob) == 0 {
		return 0, false
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil || len(msgs) == 0 {
		return 0, false
	}
	cred, err := unix.ParseUnixCredentials(&msgs[0])
	if err != nil {
		return 0, false
	}
	return cred.Pid, true
}

func (s *Server) dispatch(c *Client, pkt []byte) {
	if len(pkt) < 4 {
		s.log.Warn("control: short packet, dropped")
		return
	}
	code := CommandCode(binary.LittleEndian.Uint32(pkt[:4]))
	fields := pkt[4:]

	switch code {
	case CmdTarget:
		entries, ok := decodeTarget(fields)
		if !ok {
			s.log.Warn("control: malformed TARGET packet")
			return
		}
		if err := s.handler.Target(entries); err != nil {
			s.log.WithError(err).Warn("control: TARGET rejected")
		}

	case CmdProcPrio:
		pid, uid, adj, procType, ok := decodeProcPrio(fields)
		if !ok {
			s.log.Warn("control: malformed PROCPRIO packet")
			return
		}
		if err := s.handler.ProcPrio(pid, uid, adj, procType, c.registrant); err != nil {
			s.log.WithError(err).Warnf("control: PROCPRIO(%d) rejected", pid)
		}

	case CmdProcRemove:
		pid, ok := decodeInt32(fields, 0)
		if !ok {
			s.log.Warn("control: malformed PROCREMOVE packet")
			return
		}
		if err := s.handler.ProcRemove(pid, c.registrant); err != nil {
			s.log.WithError(err).Warnf("control: PROCREMOVE(%d) rejected", pid)
		}

	case CmdProcPurge:
		s.handler.ProcPurge(c.registrant)

	case CmdGetKillCnt:
		low, lowOK := decodeInt32(fields, 0)
		high, highOK := decodeInt32(fields, 1)
		if !lowOK || !highOK {
			s.log.Warn("control: malformed GETKILLCNT packet")
			return
		}
		cnt := s.handler.GetKillCnt(low, high)
		reply := make([]byte, 8)
		binary.LittleEndian.PutUint64(reply, cnt)
		if err := c.write(CmdGetKillCnt, reply); err != nil {
			s.log.WithError(err).Warn("control: GETKILLCNT reply write failed")
		}

	case CmdSubscribe:
		mask, ok := decodeUint32(fields, 0)
		if !ok {
			s.log.Warn("control: malformed SUBSCRIBE packet")
			return
		}
		s.handler.Subscribe(c, mask)

	case CmdProcKill:
		s.log.Warn("control: PROCKILL rejected, reserved and never accepted from a client")

	case CmdUpdateProps:
		result := s.handler.UpdateProps()
		reply := make([]byte, 4)
		binary.LittleEndian.PutUint32(reply, uint32(result))
		if err := c.write(CmdUpdateProps, reply); err != nil {
			s.log.WithError(err).Warn("control: UPDATE_PROPS reply write failed")
		}

	case CmdBootCompleted:
		result := s.handler.BootCompleted()
		reply := make([]byte, 4)
		binary.LittleEndian.PutUint32(reply, uint32(result))
		if err := c.write(CmdBootCompleted, reply); err != nil {
			s.log.WithError(err).Warn("control: BOOT_COMPLETED reply write failed")
		}

	case CmdStartMonitoring:
		s.handler.StartMonitoring()

	case CmdProcsPrio:
		entries, ok := decodeProcsPrio(fields)
		if !ok {
			s.log.Warn("control: malformed PROCS_PRIO packet")
			return
		}
		s.handler.ProcsPrio(entries, c.registrant)

	default:
		s.log.Warnf("control: unknown command code %d, dropped", code)
	}
}

func decodeInt32(fields []byte, idx int) (int32, bool) {
	off := idx * 4
	if off+4 > len(fields) {
		return 0, false
	}
	return int32(binary.LittleEndian.Uint32(fields[off : off+4])), true
}

func decodeUint32(fields []byte, idx int) (uint32, bool) {
	off := idx * 4
	if off+4 > len(fields) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(fields[off : off+4]), true
}

// decodeTarget parses N (minfree_pages, oom_adj) int32 pairs filling the
// rest of the packet, capped at evaluator.MaxTargetEntries per §6 ("N <=
// table size").
func decodeTarget(fields []byte) ([]evaluator.TargetEntry, bool) {
	if len(fields)%8 != 0 {
		return nil, false
	}
	n := len(fields) / 8
	if n > evaluator.MaxTargetEntries {
		return nil, false
	}
	entries := make([]evaluator.TargetEntry, n)
	for i := 0; i < n; i++ {
		free, _ := decodeInt32(fields, i*2)
		adj, _ := decodeInt32(fields, i*2+1)
		entries[i] = evaluator.TargetEntry{FreePages: int64(free), OOMAdjKillFloor: adj}
	}
	return entries, true
}

// decodeProcPrio parses PROCPRIO's pid/uid/oom_adj plus an optional
// trailing proc_type field, per §6's "proc_type optional (backward
// compat)".
func decodeProcPrio(fields []byte) (pid, uid, adj int32, procType registry.ProcessType, ok bool) {
	if len(fields) != 12 && len(fields) != 16 {
		return 0, 0, 0, 0, false
	}
	pid, _ = decodeInt32(fields, 0)
	uid, _ = decodeInt32(fields, 1)
	adj, _ = decodeInt32(fields, 2)
	if len(fields) == 16 {
		pt, _ := decodeInt32(fields, 3)
		procType = registry.ProcessType(pt)
	}
	return pid, uid, adj, procType, true
}

// decodeProcsPrio parses PROCS_PRIO's array of 4-field (pid,uid,adj,
// proc_type) entries.
func decodeProcsPrio(fields []byte) ([]ProcPrioEntry, bool) {
	if len(fields)%16 != 0 {
		return nil, false
	}
	n := len(fields) / 16
	entries := make([]ProcPrioEntry, n)
	for i := 0; i < n; i++ {
		pid, _ := decodeInt32(fields, i*4)
		uid, _ := decodeInt32(fields, i*4+1)
		adj, _ := decodeInt32(fields, i*4+2)
		pt, _ := decodeInt32(fields, i*4+3)
		entries[i] = ProcPrioEntry{PID: pid, UID: uid, Adjustment: adj, ProcType: registry.ProcessType(pt)}
	}
	return entries, true
}

// BroadcastKillOccurred implements stats.Broadcaster: sends the
// kill-occurred notification to every client subscribed to kill events.
func (s *Server) BroadcastKillOccurred(pid, uid int32, rssKB int64) {
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint32(payload[0:4], uint32(pid))
	binary.LittleEndian.PutUint32(payload[4:8], uint32(uid))
	binary.LittleEndian.PutUint64(payload[8:16], uint64(rssKB))
	s.broadcast(notifyKillOccurred, SubscribeKillEvents, payload)
}

// BroadcastKillStat implements stats.Broadcaster: sends the kill-stat
// record summary (pid, adjustment, min-adjustment, then the reason bytes
// filling the rest of the payload, with no length field) to every client
// subscribed to stat events.
func (s *Server) BroadcastKillStat(rec stats.KillEventRecord) {
	reasonBytes := []byte(rec.Reason)
	payload := make([]byte, 12+len(reasonBytes))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(rec.PID))
	binary.LittleEndian.PutUint32(payload[4:8], uint32(rec.Adjustment))
	binary.LittleEndian.PutUint32(payload[8:12], uint32(rec.MinAdjustment))
	copy(payload[12:], reasonBytes)
	s.broadcast(notifyKillStat, SubscribeStatEvents, payload)
}

func (s *Server) broadcast(code CommandCode, bit uint32, payload []byte) {
	s.mu.Lock()
	targets := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		if c.mask&bit != 0 {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()
	for _, c := range targets {
		if err := c.write(code, payload); err != nil {
			s.log.WithError(err).Debug("control: broadcast write failed, client likely gone")
		}
	}
}
