package network

import (
	"encoding/json"
	"fmt"

	"TrustMesh/internal/anchor"
	"TrustMesh/internal/snapshot"
	"TrustMesh/internal/storage"
	"TrustMesh/internal/sync"
	"TrustMesh/internal/trust"
)

// Envelope request types.
const (
	TypeList      = "list"
	TypePush      = "push"
	TypeFetchPack = "fetch_pack"
	TypeSnapshot  = "snapshot"
	TypeNotify    = "notify"
)

// Envelope is the JSON frame exchanged between peers. One struct covers
// requests and responses; unused fields stay empty on the wire.
type Envelope struct {
	Type      string       `json:"type"`
	NS        string       `json:"ns,omitempty"`
	Org       string       `json:"org,omitempty"`
	Since     string       `json:"since,omitempty"`
	Items     []sync.Item  `json:"items,omitempty"`
	Pack      *anchor.Pack `json:"pack,omitempty"`
	NextSince string       `json:"nextSince,omitempty"`
	Applied   int          `json:"applied,omitempty"`
	Snapshot  []byte       `json:"snapshot,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Service answers peer requests against local state. It is the QUIC
// counterpart of the HTTP API handlers.
type Service struct {
	store    storage.Store
	anchors  *anchor.Engine
	localOrg string
}

// NewService creates the request dispatcher for a node.
func NewService(store storage.Store, anchors *anchor.Engine, localOrg string) *Service {
	return &Service{
		store:    store,
		anchors:  anchors,
		localOrg: localOrg,
	}
}

// HandleRequest dispatches one request envelope and returns the response
// envelope. Failures come back inside the envelope, so the stream always
// carries a well-formed reply.
func (s *Service) HandleRequest(raw []byte) []byte {
	var req Envelope
	if err := json.Unmarshal(raw, &req); err != nil {
		return encodeEnvelope(Envelope{Error: "invalid envelope"})
	}

	var resp Envelope
	switch req.Type {
	case TypeList:
		resp = s.handleList(req)
	case TypePush:
		resp = s.handlePush(req)
	case TypeFetchPack:
		resp = s.handleFetchPack(req)
	case TypeSnapshot:
		resp = s.handleSnapshot(req)
	default:
		resp = Envelope{Error: fmt.Sprintf("unknown request type %q", req.Type)}
	}

	resp.Type = req.Type

	return encodeEnvelope(resp)
}

func (s *Service) handleList(req Envelope) Envelope {
	res, err := sync.ListSince(s.store, req.NS, req.Since)
	if err != nil {
		return Envelope{Error: err.Error()}
	}

	return Envelope{Items: res.Items, NextSince: res.NextSince}
}

func (s *Service) handlePush(req Envelope) Envelope {
	applied, err := sync.ApplyRemote(s.store, req.NS, req.Items)
	if err != nil {
		return Envelope{Error: err.Error()}
	}

	return Envelope{Applied: applied}
}

func (s *Service) handleFetchPack(req Envelope) Envelope {
	if req.Org != s.localOrg {
		return Envelope{Error: "unknown org"}
	}

	pack, err := s.anchors.LatestPack(req.NS)
	if err != nil {
		return Envelope{Error: err.Error()}
	}
	if pack == nil {
		return Envelope{}
	}

	// A caught-up cursor gets an empty reply, mirroring HTTP 204.
	if req.Since != "" && !trust.NewerThan(pack.CreatedAt, req.Since) {
		return Envelope{NextSince: req.Since}
	}

	return Envelope{Pack: pack, NextSince: pack.CreatedAt}
}

func (s *Service) handleSnapshot(req Envelope) Envelope {
	raw, err := snapshot.Export(s.store, req.NS)
	if err != nil {
		return Envelope{Error: err.Error()}
	}

	return Envelope{Snapshot: raw}
}

func encodeEnvelope(env Envelope) []byte {
	raw, err := json.Marshal(env)
	if err != nil {
		return []byte(`{"error":"encode failed"}`)
	}

	return raw
}
