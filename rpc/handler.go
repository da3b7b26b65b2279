package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/tolelom/protoreg/engine"
	"github.com/tolelom/protoreg/ids"
	"github.com/tolelom/protoreg/merkle"
	"github.com/tolelom/protoreg/queue"
	"github.com/tolelom/protoreg/register"
	"github.com/tolelom/protoreg/wire"
)

// Handler holds all dependencies needed to serve RPC methods.
type Handler struct {
	reg     *register.Register
	store   *merkle.Store
	pending *queue.Queue
	eng     *engine.Engine
	peers   []ids.PeerID
}

// NewHandler creates an RPC Handler.
func NewHandler(reg *register.Register, store *merkle.Store, pending *queue.Queue, eng *engine.Engine, peers []ids.PeerID) *Handler {
	return &Handler{reg: reg, store: store, pending: pending, eng: eng, peers: peers}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "getTip":
		return h.getTip(req)

	case "getManifest":
		return h.getManifest(req)

	case "getRootHash":
		return okResponse(req.ID, map[string]string{"root_hash": hex.EncodeToString(rootHash(h.store))})

	case "getValue":
		return h.getValue(req)

	case "getProof":
		return h.getProof(req)

	case "getMempoolSize":
		return okResponse(req.ID, h.pending.Len())

	case "submitChange":
		return h.submitChange(req)

	case "getStatus":
		return h.getStatus(req)

	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func rootHash(s *merkle.Store) []byte {
	root := s.RootHash()
	return root[:]
}

func (h *Handler) getTip(req Request) Response {
	height, hash := h.reg.Tip()
	return okResponse(req.ID, map[string]any{
		"height": height,
		"hash":   hash.Hex(),
	})
}

func (h *Handler) getManifest(req Request) Response {
	var params struct {
		Hash   string  `json:"hash"`
		Height *uint64 `json:"height"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
		}
	}

	var (
		m    wire.ProposalManifest
		hash ids.ProposalHash
		ok   bool
	)
	switch {
	case params.Hash != "":
		parsed, err := ids.ProposalHashFromHex(params.Hash)
		if err != nil {
			return errResponse(req.ID, CodeInvalidParams, err.Error())
		}
		m, ok = h.reg.Get(parsed)
		hash = parsed
	case params.Height != nil:
		m, hash, ok = h.reg.ManifestAtHeight(*params.Height)
	default:
		m, ok = h.reg.TipManifest()
		if ok {
			hash = wire.ManifestHash(m)
		}
	}
	if !ok {
		return errResponse(req.ID, CodeInternalError, "no manifest found")
	}
	return okResponse(req.ID, manifestToJSON(m, hash))
}

func manifestToJSON(m wire.ProposalManifest, hash ids.ProposalHash) map[string]any {
	changes := make([]map[string]any, len(m.Changes))
	for i, c := range m.Changes {
		changes[i] = map[string]any{
			"id":   hex.EncodeToString(c.ID),
			"kind": c.Kind.String(),
			"data": hex.EncodeToString(c.Data),
		}
	}
	return map[string]any{
		"hash":               hash.Hex(),
		"last_proposal_hash": m.LastProposalHash.Hex(),
		"height":             m.Height,
		"skips":              m.Skips,
		"peer_id":            m.PeerID.Hex(),
		"changes":            changes,
	}
}

func (h *Handler) getValue(req Request) Response {
	var params struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	key, err := hex.DecodeString(params.Key)
	if err != nil {
		return errResponse(req.ID, CodeInvalidParams, "key: "+err.Error())
	}
	value, ok := h.store.Get(key)
	if !ok {
		return okResponse(req.ID, map[string]any{"found": false})
	}
	return okResponse(req.ID, map[string]any{"found": true, "value": hex.EncodeToString(value)})
}

func (h *Handler) getProof(req Request) Response {
	var params struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	key, err := hex.DecodeString(params.Key)
	if err != nil {
		return errResponse(req.ID, CodeInvalidParams, "key: "+err.Error())
	}
	path := h.store.PathFor(key)
	siblings := make([]string, len(path.Siblings))
	for i, s := range path.Siblings {
		siblings[i] = hex.EncodeToString(s[:])
	}
	return okResponse(req.ID, map[string]any{
		"bits":     path.Bits,
		"siblings": siblings,
		"root":     hex.EncodeToString(path.Root[:]),
	})
}

func (h *Handler) submitChange(req Request) Response {
	var params struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	key, err := hex.DecodeString(params.Key)
	if err != nil {
		return errResponse(req.ID, CodeInvalidParams, "key: "+err.Error())
	}
	value, err := hex.DecodeString(params.Value)
	if err != nil {
		return errResponse(req.ID, CodeInvalidParams, "value: "+err.Error())
	}
	if err := h.pending.Insert(key, value); err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]string{"key": params.Key})
}

func (h *Handler) getStatus(req Request) Response {
	height, hash := h.reg.Tip()
	return okResponse(req.ID, map[string]any{
		"height":       height,
		"tip_hash":     hash.Hex(),
		"root_hash":    hex.EncodeToString(rootHash(h.store)),
		"peer_count":   len(h.peers),
		"skips":        h.eng.Skips(),
		"mempool_size": h.pending.Len(),
	})
}
