// Package onebot talks to a OneBot v11 compatible chat connector over its
// HTTP API and decodes the reports it posts back.
package onebot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-join-verify/internal/config"
	"github.com/go-join-verify/internal/domain"
)

// Client calls OneBot actions.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.OneBotAPIURL, "/"),
		token:   cfg.OneBotAccessToken,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// actionResponse is the common OneBot action envelope.
type actionResponse struct {
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
	Wording string          `json:"wording,omitempty"`
}

// SendGroupMessage posts text (CQ codes allowed) to a group.
func (c *Client) SendGroupMessage(ctx context.Context, groupID, text string) error {
	gid, err := parseID("group_id", groupID)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, "send_group_msg", map[string]any{"group_id": gid, "message": text})
	return err
}

// GroupName fetches the display name of a group, bypassing the connector's cache.
func (c *Client) GroupName(ctx context.Context, groupID string) (string, error) {
	gid, err := parseID("group_id", groupID)
	if err != nil {
		return "", err
	}
	data, err := c.call(ctx, "get_group_info", map[string]any{"group_id": gid, "no_cache": true})
	if err != nil {
		return "", err
	}
	var info struct {
		GroupName string `json:"group_name"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return "", fmt.Errorf("decode group info: %w", err)
	}
	if info.GroupName == "" {
		return "", fmt.Errorf("group %s has no name", groupID)
	}
	return info.GroupName, nil
}

// RemoveMember kicks a member without blocking future join requests.
func (c *Client) RemoveMember(ctx context.Context, groupID, userID string) error {
	gid, err := parseID("group_id", groupID)
	if err != nil {
		return err
	}
	uid, err := parseID("user_id", userID)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, "set_group_kick", map[string]any{"group_id": gid, "user_id": uid, "reject_add_request": false})
	return err
}

// Mention renders an @-mention of userID.
func (c *Client) Mention(userID string) string {
	return AtUser(userID)
}

// AtUser renders the CQ code that mentions userID.
func AtUser(userID string) string {
	return "[CQ:at,qq=" + userID + "]"
}

func (c *Client) call(ctx context.Context, action string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", action, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+action, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("onebot %s: %w", action, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("onebot %s: %w: http status %d", action, domain.ErrUnauthorized, resp.StatusCode)
	default:
		return nil, fmt.Errorf("onebot %s: http status %d", action, resp.StatusCode)
	}

	var out actionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("onebot %s: decode response: %w", action, err)
	}
	if out.Status == "failed" || out.RetCode != 0 {
		msg := out.Wording
		if msg == "" {
			msg = out.Message
		}
		return nil, fmt.Errorf("onebot %s: retcode %d %s", action, out.RetCode, msg)
	}
	return out.Data, nil
}

func parseID(name, v string) (int64, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q: %w", domain.ErrBadRequest, name, v, err)
	}
	return n, nil
}
