package server

import (
	"fmt"
	"math/rand"
	"net"
	"sync"

	"golang.org/x/sync/singleflight"
)

// switchboardKey identifies a pending passive rendezvous: the client's
// source IP and the destination port reserved for it. Grounded on
// SwitchboardKey in original_source/src/server/switchboard.rs.
type switchboardKey struct {
	source string
	port   int
}

// ErrSwitchboardExhausted is returned by reserveDirect and reserveProxied when no port in the
// configured range could be claimed after exhausting its retry budget.
var ErrSwitchboardExhausted = fmt.Errorf("switchboard: no free passive port available")

// switchboard allocates passive ports and, in proxy mode, routes inbound
// data connections to the session that reserved them. Direct mode opens
// its own net.Listener per reservation (no shared map needed, since the OS
// already demultiplexes by port); proxy mode shares one physical listener
// and needs the (ip,port) -> session association below.
type switchboard struct {
	portMin, portMax int
	proxyMode        bool

	mu   sync.Mutex
	byIP map[switchboardKey]*session // proxy mode only

	group singleflight.Group // collapses concurrent probes per session
}

func newSwitchboard(portMin, portMax int, proxyMode bool) *switchboard {
	return &switchboard{
		portMin:   portMin,
		portMax:   portMax,
		proxyMode: proxyMode,
		byIP:      make(map[switchboardKey]*session),
	}
}

func (sb *switchboard) rangeSize() int {
	if sb.portMax < sb.portMin {
		return 0
	}
	return sb.portMax - sb.portMin + 1
}

// reserveDirect opens a listener in the configured port range for the
// session, retrying past bind collisions. Used when proxy mode is off.
func (sb *switchboard) reserveDirect(sess *session) (net.Listener, int, error) {
	rangeSize := sb.rangeSize()
	if rangeSize <= 0 {
		ln, err := net.Listen("tcp", ":0")
		if err != nil {
			return nil, 0, err
		}
		port := ln.Addr().(*net.TCPAddr).Port
		sb.freePriorReservation(sess)
		return ln, port, nil
	}

	start := rand.Intn(rangeSize)
	for i := 0; i < rangeSize; i++ {
		port := sb.portMin + (start+i)%rangeSize
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		sb.freePriorReservation(sess)
		return ln, port, nil
	}
	return nil, 0, ErrSwitchboardExhausted
}

// reserveProxied picks a port number and registers (sourceIP, port) ->
// session in the shared map, without opening a listener (there is only
// one physical port in proxy mode; the front door demuxes by the PROXY
// header's destination port instead).
func (sb *switchboard) reserveProxied(sess *session, sourceIP string) (int, error) {
	v, err, _ := sb.group.Do(sourceIP+sess.sessionID, func() (any, error) {
		rangeSize := sb.rangeSize()
		if rangeSize <= 0 {
			return 0, fmt.Errorf("switchboard: proxy mode requires a configured passive port range")
		}
		start := rand.Intn(rangeSize)
		for i := 0; i < rangeSize; i++ {
			port := sb.portMin + (start+i)%rangeSize
			key := switchboardKey{source: sourceIP, port: port}

			sb.mu.Lock()
			if _, occupied := sb.byIP[key]; occupied {
				sb.mu.Unlock()
				continue
			}
			sb.byIP[key] = sess
			sb.mu.Unlock()

			sb.freePriorReservation(sess)
			sess.switchboardKey = &key
			return port, nil
		}
		return 0, ErrSwitchboardExhausted
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// freePriorReservation unregisters a session's previous reservation, if
// any, enforcing invariant 7: a session holds at most one reservation.
func (sb *switchboard) freePriorReservation(sess *session) {
	if sess.switchboardKey == nil {
		return
	}
	sb.unregister(*sess.switchboardKey)
	sess.switchboardKey = nil
}

func (sb *switchboard) unregister(key switchboardKey) {
	sb.mu.Lock()
	delete(sb.byIP, key)
	sb.mu.Unlock()
}

// lookup finds the session that reserved (sourceIP, port) in proxy mode.
func (sb *switchboard) lookup(sourceIP string, port int) *session {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.byIP[switchboardKey{source: sourceIP, port: port}]
}
