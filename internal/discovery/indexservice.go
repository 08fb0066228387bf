package discovery

import (
	"bufio"
	"encoding/json"
	"net"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"gnbgo/internal/registry"
)

// IndexService is the server side of IndexClient's protocol, run when
// the public_index_service option makes the daemon act as a discovery
// server rather than a peer. It is an in-memory registry of the most
// recent endpoint announcement per node, not a participant in the
// overlay itself.
type IndexService struct {
	mu      sync.RWMutex
	records map[string]EndpointRecord // keyed by NodeID's decimal string

	ln  net.Listener
	log *logrus.Entry
}

// NewIndexService starts listening on addr.
func NewIndexService(addr string, log *logrus.Entry) (*IndexService, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &IndexService{records: make(map[string]EndpointRecord), ln: ln, log: log}, nil
}

// Serve accepts connections until the listener is closed.
func (s *IndexService) Serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.log.WithError(err).Info("index service listener closed")
			return
		}
		go s.handleConn(conn)
	}
}

func (s *IndexService) handleConn(conn net.Conn) {
	defer conn.Close()
	var req indexRequest
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&req); err != nil {
		return
	}

	var resp indexResponse
	switch req.Op {
	case "announce":
		if req.Record == nil {
			resp = indexResponse{Error: "missing record"}
		} else {
			s.mu.Lock()
			s.records[recordKey(req.Record.NodeID)] = *req.Record
			s.mu.Unlock()
			resp = indexResponse{OK: true}
		}
	case "fetch":
		s.mu.RLock()
		recs := make([]EndpointRecord, 0, len(s.records))
		for _, r := range s.records {
			recs = append(recs, r)
		}
		s.mu.RUnlock()
		resp = indexResponse{OK: true, Records: recs}
	default:
		resp = indexResponse{Error: "unknown op"}
	}

	_ = json.NewEncoder(conn).Encode(resp)
}

// Close stops accepting new connections.
func (s *IndexService) Close() error {
	return s.ln.Close()
}

func recordKey(id registry.NodeID) string {
	return strconv.FormatUint(uint64(id), 10)
}
