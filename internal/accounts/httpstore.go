// Package accounts provides the relay core's narrow, read-only view of
// the account/device-registration system that owns HubRecord data (spec
// §1: "user account CRUD, mobile-device registration records... remain
// external collaborators reached through narrow interfaces"). The relay
// never persists this data itself; it is a thin HTTP client against
// whatever account service the deployment runs.
package accounts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openhub-relay/relay/internal/relayid"
	"github.com/openhub-relay/relay/internal/session"
)

// HTTPStore implements session.HubRecordStore and session.
// LastOnlineRecorder as calls against an external account service's REST
// API, per spec §3's "HubRecord (external, read-only to core)".
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

// NewHTTPStore builds a store pointed at baseURL (e.g.
// "https://accounts.internal").
func NewHTTPStore(baseURL string) *HTTPStore {
	return &HTTPStore{baseURL: baseURL, client: &http.Client{Timeout: 5 * time.Second}}
}

type hubRecordDTO struct {
	HubID       string `json:"hubId"`
	AccountID   string `json:"accountId"`
	OwnerUserID string `json:"ownerUserId"`
	Secret      string `json:"secret"`
}

// Lookup implements session.HubRecordStore.
func (s *HTTPStore) Lookup(ctx context.Context, uuid string) (*session.HubRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/internal/hubs/"+uuid, nil)
	if err != nil {
		return nil, fmt.Errorf("accounts: build lookup request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("accounts: lookup %s: %w", uuid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("accounts: lookup %s: unexpected status %d", uuid, resp.StatusCode)
	}

	var dto hubRecordDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return nil, fmt.Errorf("accounts: decode hub record: %w", err)
	}
	return &session.HubRecord{
		HubID:       relayid.HubID(dto.HubID),
		AccountID:   dto.AccountID,
		OwnerUserID: dto.OwnerUserID,
		Secret:      dto.Secret,
	}, nil
}

type touchDTO struct {
	HubID string    `json:"hubId"`
	At    time.Time `json:"at"`
}

// Touch implements session.LastOnlineRecorder. Failures are logged by the
// caller and otherwise ignored -- spec §4.2 calls this "best-effort".
func (s *HTTPStore) Touch(ctx context.Context, hubID relayid.HubID, at time.Time) error {
	body, err := json.Marshal(touchDTO{HubID: string(hubID), At: at})
	if err != nil {
		return fmt.Errorf("accounts: encode touch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/internal/hubs/last-online", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("accounts: build touch request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("accounts: touch %s: %w", hubID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("accounts: touch %s: unexpected status %d", hubID, resp.StatusCode)
	}
	return nil
}
