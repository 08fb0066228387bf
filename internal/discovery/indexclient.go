// Package discovery implements the client/server edges of the
// out-of-band index service and the local peer-to-peer endpoint
// exchange: a TCP client for talking to an index service, a matching
// in-memory server, and a libp2p/pubsub node for learning and
// publishing observed endpoints among peers.
package discovery

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"gnbgo/internal/registry"
)

// EndpointRecord is the shape of an endpoint observation exchanged with
// the index service: the owning node's id and the socket address it was
// last seen at.
type EndpointRecord struct {
	NodeID registry.NodeID `json:"node_id"`
	Addr   string          `json:"addr"`
	Seen   int64           `json:"seen"`
}

// IndexClient is what the index worker needs from an index service:
// publish the local node's observed endpoint and fetch the current set
// of known endpoints for every peer.
type IndexClient interface {
	Announce(ctx context.Context, rec EndpointRecord) error
	Fetch(ctx context.Context) ([]EndpointRecord, error)
}

// TCPIndexClient implements IndexClient over newline-delimited JSON on a
// fresh TCP connection per exchange. The index worker talks to one
// address a couple of times a minute, so the connection's whole
// lifecycle is a single round trip; nothing is worth keeping open
// between ticks.
type TCPIndexClient struct {
	addr    string
	timeout time.Duration
	log     *logrus.Entry
}

// NewTCPIndexClient builds a client talking to the index service at
// addr, bounding each dial by timeout.
func NewTCPIndexClient(addr string, timeout time.Duration, log *logrus.Entry) *TCPIndexClient {
	return &TCPIndexClient{addr: addr, timeout: timeout, log: log}
}

type indexRequest struct {
	Op     string          `json:"op"`
	Record *EndpointRecord `json:"record,omitempty"`
}

type indexResponse struct {
	OK      bool             `json:"ok"`
	Records []EndpointRecord `json:"records,omitempty"`
	Error   string           `json:"error,omitempty"`
}

func (c *TCPIndexClient) roundTrip(ctx context.Context, req indexRequest) (*indexResponse, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("discovery: dial index service: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("discovery: send index request: %w", err)
	}

	var resp indexResponse
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("discovery: read index response: %w", err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("discovery: index service error: %s", resp.Error)
	}
	return &resp, nil
}

// Announce publishes the local node's currently observed endpoint.
func (c *TCPIndexClient) Announce(ctx context.Context, rec EndpointRecord) error {
	_, err := c.roundTrip(ctx, indexRequest{Op: "announce", Record: &rec})
	return err
}

// Fetch retrieves every endpoint the index service currently knows
// about.
func (c *TCPIndexClient) Fetch(ctx context.Context) ([]EndpointRecord, error) {
	resp, err := c.roundTrip(ctx, indexRequest{Op: "fetch"})
	if err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// ApplyRecords writes fetched endpoint records into the registry through
// the node worker's single-writer update path; the datapath only ever
// reads the resulting records.
func ApplyRecords(reg *registry.Registry, recs []EndpointRecord, now time.Time) {
	for _, rec := range recs {
		n, ok := reg.ByUUID(rec.NodeID)
		if !ok || n.Local {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp", rec.Addr)
		if err != nil {
			continue
		}
		n.UpdateEndpoint(addr, time.Unix(rec.Seen, 0))
		n.Touch(now)
	}
}
