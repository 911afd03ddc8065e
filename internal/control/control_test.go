package control

import (
	"encoding/binary"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowmemkilld/lowmemkilld/internal/evaluator"
	"github.com/lowmemkilld/lowmemkilld/internal/registry"
)

func testLog() *logrus.Entry { return logrus.NewEntry(logrus.New()) }

func TestDecodeTargetRoundTrip(t *testing.T) {
	fields := make([]byte, 16)
	binary.LittleEndian.PutUint32(fields[0:4], 5000)
	binary.LittleEndian.PutUint32(fields[4:8], 900)
	binary.LittleEndian.PutUint32(fields[8:12], 2000)
	binary.LittleEndian.PutUint32(fields[12:16], 200)

	entries, ok := decodeTarget(fields)
	require.True(t, ok)
	assert.Equal(t, []evaluator.TargetEntry{
		{FreePages: 5000, OOMAdjKillFloor: 900},
		{FreePages: 2000, OOMAdjKillFloor: 200},
	}, entries)
}

func TestDecodeTargetRejectsOddLength(t *testing.T) {
	_, ok := decodeTarget(make([]byte, 7))
	assert.False(t, ok)
}

func TestDecodeTargetRejectsOverCapacity(t *testing.T) {
	fields := make([]byte, 8*(evaluator.MaxTargetEntries+1))
	_, ok := decodeTarget(fields)
	assert.False(t, ok)
}

func TestDecodeProcPrioBackwardCompatWithoutProcType(t *testing.T) {
	fields := make([]byte, 12)
	binary.LittleEndian.PutUint32(fields[0:4], 123)
	binary.LittleEndian.PutUint32(fields[4:8], 1000)
	binary.LittleEndian.PutUint32(fields[8:12], 500)

	pid, uid, adj, procType, ok := decodeProcPrio(fields)
	require.True(t, ok)
	assert.Equal(t, int32(123), pid)
	assert.Equal(t, int32(1000), uid)
	assert.Equal(t, int32(500), adj)
	assert.Equal(t, registry.ProcessTypeUnspecified, procType)
}

func TestDecodeProcPrioWithProcType(t *testing.T) {
	fields := make([]byte, 16)
	binary.LittleEndian.PutUint32(fields[0:4], 123)
	binary.LittleEndian.PutUint32(fields[4:8], 1000)
	binary.LittleEndian.PutUint32(fields[8:12], 500)
	binary.LittleEndian.PutUint32(fields[12:16], uint32(registry.ProcessTypeNative))

	_, _, _, procType, ok := decodeProcPrio(fields)
	require.True(t, ok)
	assert.Equal(t, registry.ProcessTypeNative, procType)
}

func TestDecodeProcPrioRejectsMalformedLength(t *testing.T) {
	_, _, _, _, ok := decodeProcPrio(make([]byte, 10))
	assert.False(t, ok)
}

func TestDecodeProcsPrioBulk(t *testing.T) {
	fields := make([]byte, 32)
	binary.LittleEndian.PutUint32(fields[0:4], 1)
	binary.LittleEndian.PutUint32(fields[4:8], 10)
	binary.LittleEndian.PutUint32(fields[8:12], 100)
	binary.LittleEndian.PutUint32(fields[12:16], uint32(registry.ProcessTypeApp))
	binary.LittleEndian.PutUint32(fields[16:20], 2)
	binary.LittleEndian.PutUint32(fields[20:24], 20)
	binary.LittleEndian.PutUint32(fields[24:28], 200)
	binary.LittleEndian.PutUint32(fields[28:32], uint32(registry.ProcessTypeNative))

	entries, ok := decodeProcsPrio(fields)
	require.True(t, ok)
	require.Len(t, entries, 2)
	assert.Equal(t, ProcPrioEntry{PID: 1, UID: 10, Adjustment: 100, ProcType: registry.ProcessTypeApp}, entries[0])
	assert.Equal(t, ProcPrioEntry{PID: 2, UID: 20, Adjustment: 200, ProcType: registry.ProcessTypeNative}, entries[1])
}

// fakeHandler records every call dispatch makes, standing in for the daemon
// object in ownership/ignored-packet tests below.
type fakeHandler struct {
	targetCalls     int
	procPrioPID     int32
	procPrioRegistrant int32
	procPrioErr     error
	procRemoveErr   error
	purgeCalls      int
	killCntReply    uint64
	updatePropsCode int32
	bootReply       int32
}

func (f *fakeHandler) Target(entries []evaluator.TargetEntry) error {
	f.targetCalls++
	return nil
}
func (f *fakeHandler) ProcPrio(pid, uid, adj int32, procType registry.ProcessType, registrant int32) error {
	f.procPrioPID = pid
	f.procPrioRegistrant = registrant
	return f.procPrioErr
}
func (f *fakeHandler) ProcRemove(pid, registrant int32) error { return f.procRemoveErr }
func (f *fakeHandler) ProcPurge(registrant int32)              { f.purgeCalls++ }
func (f *fakeHandler) GetKillCnt(low, high int32) uint64       { return f.killCntReply }
func (f *fakeHandler) Subscribe(c *Client, mask uint32)        { c.SetMask(mask) }
func (f *fakeHandler) UpdateProps() int32                      { return f.updatePropsCode }
func (f *fakeHandler) BootCompleted() int32                    { return f.bootReply }
func (f *fakeHandler) StartMonitoring()                        {}
func (f *fakeHandler) ProcsPrio(entries []ProcPrioEntry, registrant int32) {}

func TestDispatchMalformedPacketIsIgnoredNotFatal(t *testing.T) {
	h := &fakeHandler{}
	s := New(testLog(), h)
	c := &Client{registrant: 42}

	// TARGET with a non-multiple-of-8 field length: dropped, handler untouched.
	pkt := make([]byte, 4+5)
	binary.LittleEndian.PutUint32(pkt[:4], uint32(CmdTarget))
	s.dispatch(c, pkt)
	assert.Equal(t, 0, h.targetCalls)
}

func TestDispatchProcKillAlwaysRejected(t *testing.T) {
	h := &fakeHandler{}
	s := New(testLog(), h)
	c := &Client{registrant: 1}

	pkt := make([]byte, 4)
	binary.LittleEndian.PutUint32(pkt[:4], uint32(CmdProcKill))
	s.dispatch(c, pkt) // must not panic or call any handler method
	assert.Equal(t, int32(0), h.procPrioPID)
}

func TestDispatchProcPrioPassesRegistrant(t *testing.T) {
	h := &fakeHandler{}
	s := New(testLog(), h)
	c := &Client{registrant: 77}

	fields := make([]byte, 12)
	binary.LittleEndian.PutUint32(fields[0:4], 555)
	binary.LittleEndian.PutUint32(fields[4:8], 0)
	binary.LittleEndian.PutUint32(fields[8:12], 0)
	pkt := append(make([]byte, 4), fields...)
	binary.LittleEndian.PutUint32(pkt[:4], uint32(CmdProcPrio))

	s.dispatch(c, pkt)
	assert.Equal(t, int32(555), h.procPrioPID)
	assert.Equal(t, int32(77), h.procPrioRegistrant)
}
