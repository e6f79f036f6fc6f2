package dispatcher

import (
	"encoding/json"
	"reflect"

	"github.com/relaymesh/signalserver/internal/v1/apperrors"
	"github.com/relaymesh/signalserver/internal/v1/registry"
)

type discoverPeersInbound struct {
	FromPeerID string          `json:"from_peer_id"`
	Filters    discoverFilters `json:"filters"`
}

type discoverFilters struct {
	Role       string                     `json:"role,omitempty"`
	Tags       []string                   `json:"tags,omitempty"`
	Properties map[string]json.RawMessage `json:"properties,omitempty"`
}

type discoveredPeer struct {
	PeerID      string            `json:"peer_id"`
	Role        string            `json:"role"`
	Metadata    registry.Metadata `json:"metadata"`
	ConnectedAt string            `json:"connected_at"`
}

type discoverPeersResponse struct {
	Type  string            `json:"type"`
	Peers []discoveredPeer  `json:"peers"`
	Count int               `json:"count"`
}

// handleDiscoverPeers filters the caller's own room for peers matching
// role/tags/properties, per §4.5.2. Filter clauses are conjunctive; the
// caller is always excluded from its own result set.
func (d *Dispatcher) handleDiscoverPeers(sess *Session, conn Conn, raw []byte) error {
	var in discoverPeersInbound
	if err := json.Unmarshal(raw, &in); err != nil {
		appErr := apperrors.New(apperrors.CodeInvalidJSON, "malformed discover_peers payload")
		d.writeError(conn, appErr)
		return appErr
	}

	peers := d.registry.ListRoom(sess.RoomID)
	matched := make([]discoveredPeer, 0, len(peers))
	for _, p := range peers {
		if p.ID == sess.PeerID {
			continue
		}
		if !matchesFilters(p, in.Filters) {
			continue
		}
		matched = append(matched, discoveredPeer{
			PeerID:      string(p.ID),
			Role:        string(p.Role),
			Metadata:    p.Metadata,
			ConnectedAt: p.ConnectedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}

	resp := discoverPeersResponse{Type: "peer_list", Peers: matched, Count: len(matched)}
	data, err := json.Marshal(resp)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUpstreamFailure, "failed to encode discover_peers response", err)
	}
	conn.Send(data)
	return nil
}

func matchesFilters(p *registry.Peer, f discoverFilters) bool {
	if f.Role != "" && string(p.Role) != f.Role {
		return false
	}

	if len(f.Tags) > 0 {
		tagSet := make(map[string]struct{}, len(p.Metadata.Tags))
		for _, t := range p.Metadata.Tags {
			tagSet[t] = struct{}{}
		}
		intersects := false
		for _, t := range f.Tags {
			if _, ok := tagSet[t]; ok {
				intersects = true
				break
			}
		}
		if !intersects {
			return false
		}
	}

	for key, rawClause := range f.Properties {
		propVal, exists := p.Metadata.Properties[key]
		if !propertyMatches(rawClause, propVal, exists) {
			return false
		}
	}

	return true
}

// propertyMatches interprets rawClause as either a plain scalar (equality)
// or an operator document with exactly one of $gte, $lte, $eq. Missing
// properties never satisfy $gte/$lte/equality.
func propertyMatches(rawClause json.RawMessage, propVal any, exists bool) bool {
	var opDoc map[string]float64
	if err := json.Unmarshal(rawClause, &opDoc); err == nil && len(opDoc) == 1 {
		if !exists {
			return false
		}
		propNum, ok := toFloat64(propVal)
		if !ok {
			return false
		}
		if v, ok := opDoc["$gte"]; ok {
			return propNum >= v
		}
		if v, ok := opDoc["$lte"]; ok {
			return propNum <= v
		}
		if v, ok := opDoc["$eq"]; ok {
			return propNum == v
		}
		return false
	}

	var want any
	if err := json.Unmarshal(rawClause, &want); err != nil {
		return false
	}
	// want/propVal may decode to maps or slices (properties are scalar or
	// structured per the data model); those aren't comparable with ==, so
	// fall back to a structural comparison instead of panicking.
	return exists && reflect.DeepEqual(propVal, want)
}

func toFloat64(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}
