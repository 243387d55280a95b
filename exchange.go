package fromchat

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Directory service endpoints for prekey material.
const (
	preKeyBundlePath = "/crypto/signal/prekey-bundle"
	preKeyBulkPath   = "/crypto/signal/prekeys/bulk"
	preKeyOfPathFmt  = "/crypto/signal/prekey-bundle/of/%s"
)

// UploadPreKeyBundle publishes the base bundle with a single one-time
// prekey.
func (c *Client) UploadPreKeyBundle(bundle *PreKeyBundleDTO) error {
	resp, err := c.transport.postJSON(preKeyBundlePath, bundle)
	if err != nil {
		return err
	}
	if resp.isError() {
		return errors.Errorf("uploading prekey bundle: %s", resp.Error())
	}
	return nil
}

// uploadAllPreKeys publishes the base bundle together with the whole
// one-time pool so the directory can hand a different prekey to every
// new conversation partner.
func (c *Client) uploadAllPreKeys(baseBundle *PreKeyBundleDTO, prekeys []PreKeyEntity) error {
	resp, err := c.transport.postJSON(preKeyBulkPath, preKeyBulkUpload{
		BaseBundle: *baseBundle,
		PreKeys:    prekeys,
	})
	if err != nil {
		return err
	}
	if resp.isError() {
		return errors.Errorf("uploading prekeys: %s", resp.Error())
	}
	return nil
}

// fetchPreKeyBundle fetches a peer's bundle. A 404 means the peer never
// initialized encryption; a bundle without a one-time prekey means the
// pool is exhausted and the peer has to come online to replenish. The
// two are distinct errors because the user-facing remedies differ.
func (c *Client) fetchPreKeyBundle(peerID string) (*PreKeyBundleDTO, error) {
	resp, err := c.transport.get(fmt.Sprintf(preKeyOfPathFmt, peerID))
	if err != nil {
		return nil, err
	}
	if resp.Status == http.StatusNotFound {
		return nil, RecipientNotInitializedError{PeerID: peerID}
	}
	if resp.isError() {
		return nil, errors.Errorf("fetching prekey bundle of %q: %s", peerID, resp.Error())
	}

	dto := &PreKeyBundleDTO{}
	if err := json.Unmarshal(resp.Body, dto); err != nil {
		return nil, InvalidBundleError{PeerID: peerID, Reason: err}
	}
	if dto.PreKey == nil {
		return nil, PrekeyExhaustedError{PeerID: peerID}
	}
	return dto, nil
}
