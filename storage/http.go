package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/songzhibin97/chatflow-engine/types"
)

// HTTPFlowStore reads flows from the flow authoring API:
//
//	GET {base}/flows/{botID}            -> {"flows": [Flow, ...]}
//	GET {base}/flows/{botID}/{flowID}   -> Flow or {"flow": Flow}
type HTTPFlowStore struct {
	base   string
	botID  int64
	client *http.Client
}

var _ FlowStore = (*HTTPFlowStore)(nil)

// NewHTTPFlowStore creates a client for the bot's flows. A nil client uses a
// client with a 10 second timeout.
func NewHTTPFlowStore(base string, botID int64, client *http.Client) *HTTPFlowStore {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPFlowStore{base: strings.TrimRight(base, "/"), botID: botID, client: client}
}

func (s *HTTPFlowStore) getJSON(ctx context.Context, path string, notFound error, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return notFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("failed to fetch %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// GetFlow retrieves a flow of the configured bot.
func (s *HTTPFlowStore) GetFlow(ctx context.Context, flowID string) (types.Flow, error) {
	path := "/flows/" + strconv.FormatInt(s.botID, 10) + "/" + url.PathEscape(flowID)
	var raw json.RawMessage
	if err := s.getJSON(ctx, path, fmt.Errorf("%w: id=%s", ErrFlowNotFound, flowID), &raw); err != nil {
		return types.Flow{}, err
	}

	var envelope struct {
		Flow *types.Flow `json:"flow"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Flow != nil {
		flow := *envelope.Flow
		if flow.ID == "" {
			flow.ID = flowID
		}
		return flow, nil
	}
	var flow types.Flow
	if err := json.Unmarshal(raw, &flow); err != nil {
		return types.Flow{}, fmt.Errorf("failed to decode flow %s: %w", flowID, err)
	}
	if flow.ID == "" {
		flow.ID = flowID
	}
	return flow, nil
}

// GetActiveFlow lists the bot's flows and returns the first active one,
// fetched in full.
func (s *HTTPFlowStore) GetActiveFlow(ctx context.Context, botID int64) (types.Flow, error) {
	if botID != s.botID {
		return types.Flow{}, fmt.Errorf("%w: bot=%d", ErrNoActiveFlow, botID)
	}
	notFound := fmt.Errorf("%w: bot=%d", ErrNoActiveFlow, botID)

	var listing struct {
		Flows []struct {
			ID       string `json:"flow_id"`
			IsActive bool   `json:"is_active"`
		} `json:"flows"`
	}
	if err := s.getJSON(ctx, "/flows/"+strconv.FormatInt(botID, 10), notFound, &listing); err != nil {
		return types.Flow{}, err
	}
	for _, f := range listing.Flows {
		if !f.IsActive {
			continue
		}
		flow, err := s.GetFlow(ctx, f.ID)
		if errors.Is(err, ErrFlowNotFound) {
			return types.Flow{}, notFound
		}
		if err != nil {
			return types.Flow{}, err
		}
		flow.BotID, flow.IsActive = botID, true
		return flow, nil
	}
	return types.Flow{}, notFound
}
