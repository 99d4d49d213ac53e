package main

import (
	"bufio"
	"fmt"
	"net"
	"sync"

	"github.com/copernicus/aox/mlog"
)

var peerlog = mlog.New("peer")

// unixPeerBroadcaster implements store.PeerBroadcaster over a persistent
// connection to a Unix domain socket that other server processes listen on
// for uidnext/nextmodseq broadcast lines.
type unixPeerBroadcaster struct {
	path string

	mu   sync.Mutex
	conn net.Conn
	w    *bufio.Writer
}

func newUnixPeerBroadcaster(path string) (*unixPeerBroadcaster, error) {
	pb := &unixPeerBroadcaster{path: path}
	if err := pb.connect(); err != nil {
		return nil, err
	}
	return pb, nil
}

func (pb *unixPeerBroadcaster) connect() error {
	conn, err := net.Dial("unix", pb.path)
	if err != nil {
		return fmt.Errorf("dialing peer control socket %q: %w", pb.path, err)
	}
	pb.conn = conn
	pb.w = bufio.NewWriter(conn)
	return nil
}

// Broadcast writes one line to the peer socket. Called synchronously from
// the switchboard goroutine between injections, so it must not block for
// long; a write failure drops the line and logs rather than retrying, since
// a slow or gone peer must never stall injection.
func (pb *unixPeerBroadcaster) Broadcast(line string) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	if pb.conn == nil {
		if err := pb.connect(); err != nil {
			peerlog.Errorx("reconnecting to peer control socket", err)
			return
		}
	}

	_, err := pb.w.WriteString(line + "\n")
	if err == nil {
		err = pb.w.Flush()
	}
	if err != nil {
		peerlog.Errorx("writing to peer control socket", err)
		pb.conn.Close()
		pb.conn = nil
	}
}

func (pb *unixPeerBroadcaster) Close() error {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if pb.conn == nil {
		return nil
	}
	err := pb.conn.Close()
	pb.conn = nil
	return err
}
