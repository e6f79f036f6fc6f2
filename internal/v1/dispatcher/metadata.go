package dispatcher

import (
	"encoding/json"

	"github.com/relaymesh/signalserver/internal/v1/apperrors"
	"github.com/relaymesh/signalserver/internal/v1/registry"
)

type updateMetadataInbound struct {
	PeerID   string            `json:"peer_id"`
	Metadata registry.Metadata `json:"metadata"`
}

type metadataUpdatedResponse struct {
	Type     string            `json:"type"`
	PeerID   string            `json:"peer_id"`
	Metadata registry.Metadata `json:"metadata"`
}

// handleUpdateMetadata merges the submitted document into the caller's own
// live Peer record, per §4.5.3. Peers may only update their own metadata;
// the merge itself (tags union, properties shallow-merge) is delegated to
// the Room Registry so it stays the single authority on Peer state.
func (d *Dispatcher) handleUpdateMetadata(sess *Session, conn Conn, raw []byte) error {
	var in updateMetadataInbound
	if err := json.Unmarshal(raw, &in); err != nil {
		appErr := apperrors.New(apperrors.CodeInvalidJSON, "malformed update_metadata payload")
		d.writeError(conn, appErr)
		return appErr
	}

	if registry.PeerID(in.PeerID) != sess.PeerID {
		appErr := apperrors.Forbidden("peers may only update their own metadata")
		d.writeError(conn, appErr)
		return appErr
	}

	merged, err := d.registry.UpdateMetadata(sess.RoomID, sess.PeerID, in.Metadata)
	if err != nil {
		appErr, _ := apperrors.As(err)
		d.writeError(conn, appErr)
		return err
	}

	resp := metadataUpdatedResponse{Type: "metadata_updated", PeerID: in.PeerID, Metadata: merged}
	data, err := json.Marshal(resp)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUpstreamFailure, "failed to encode metadata_updated response", err)
	}
	conn.Send(data)
	return nil
}
