package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Instance is the gateway's record of one device.
type Instance struct {
	Name        string
	Status      string
	Owner       string
	ProfileName string
}

// ConnectResult is the outcome of a connect request: either pairing material or an already
// open session.
type ConnectResult struct {
	PairingCode string
	Code        string
	Base64      string
	State       string
}

// NeedsPairing reports whether the response carries pairing material.
func (r ConnectResult) NeedsPairing() bool {
	return r.Code != "" || r.Base64 != "" || r.PairingCode != ""
}

// Payload returns the pairing material to present to the user, preferring the raw code.
func (r ConnectResult) Payload() string {
	switch {
	case r.Code != "":
		return r.Code
	case r.PairingCode != "":
		return r.PairingCode
	default:
		return r.Base64
	}
}

// ConnectionState is the remote session state of one instance.
type ConnectionState struct {
	Instance string
	State    string
	Owner    string
}

// CreateInstance registers a new instance named name.
func (c *Client) CreateInstance(ctx context.Context, name string) (Instance, error) {
	req := map[string]any{
		"instanceName": name,
		"qrcode":       true,
		"integration":  "WHATSAPP-BAILEYS",
	}
	var resp struct {
		Instance struct {
			InstanceName string `json:"instanceName"`
			Status       string `json:"status"`
		} `json:"instance"`
	}
	if err := c.do(ctx, "create_instance", http.MethodPost, "/instance/create", req, &resp); err != nil {
		return Instance{}, err
	}
	inst := Instance{Name: resp.Instance.InstanceName, Status: resp.Instance.Status}
	if inst.Name == "" {
		inst.Name = name
	}
	return inst, nil
}

// FetchInstance looks an instance up by name. A missing instance is a 404 *Error.
func (c *Client) FetchInstance(ctx context.Context, name string) (Instance, error) {
	var raw json.RawMessage
	path := "/instance/fetchInstances?instanceName=" + url.QueryEscape(name)
	if err := c.do(ctx, "fetch_instance", http.MethodGet, path, nil, &raw); err != nil {
		return Instance{}, err
	}

	type record struct {
		Name             string `json:"name"`
		InstanceName     string `json:"instanceName"`
		ConnectionStatus string `json:"connectionStatus"`
		Status           string `json:"status"`
		OwnerJid         string `json:"ownerJid"`
		Owner            string `json:"owner"`
		ProfileName      string `json:"profileName"`
		Instance         *struct {
			InstanceName string `json:"instanceName"`
			Status       string `json:"status"`
			Owner        string `json:"owner"`
			ProfileName  string `json:"profileName"`
		} `json:"instance"`
	}
	var list []record
	if err := json.Unmarshal(raw, &list); err != nil {
		var one record
		if err := json.Unmarshal(raw, &one); err != nil {
			return Instance{}, fmt.Errorf("decode fetch_instance response: %w", err)
		}
		list = []record{one}
	}

	for _, r := range list {
		inst := Instance{
			Name:        first(r.Name, r.InstanceName),
			Status:      first(r.ConnectionStatus, r.Status),
			Owner:       first(r.OwnerJid, r.Owner),
			ProfileName: r.ProfileName,
		}
		if r.Instance != nil {
			inst.Name = first(inst.Name, r.Instance.InstanceName)
			inst.Status = first(inst.Status, r.Instance.Status)
			inst.Owner = first(inst.Owner, r.Instance.Owner)
			inst.ProfileName = first(inst.ProfileName, r.Instance.ProfileName)
		}
		if inst.Name == name {
			return inst, nil
		}
	}
	return Instance{}, &Error{Op: "fetch_instance", StatusCode: http.StatusNotFound, Body: "instance " + name + " not found"}
}

// Connect asks the gateway to start a session for name.
func (c *Client) Connect(ctx context.Context, name string) (ConnectResult, error) {
	var resp struct {
		PairingCode string `json:"pairingCode"`
		Code        string `json:"code"`
		Base64      string `json:"base64"`
		Instance    struct {
			State string `json:"state"`
		} `json:"instance"`
	}
	if err := c.do(ctx, "connect", http.MethodGet, "/instance/connect/"+url.PathEscape(name), nil, &resp); err != nil {
		return ConnectResult{}, err
	}
	return ConnectResult{
		PairingCode: resp.PairingCode,
		Code:        resp.Code,
		Base64:      resp.Base64,
		State:       strings.ToLower(resp.Instance.State),
	}, nil
}

// ConnectionState fetches the remote session state of name.
func (c *Client) ConnectionState(ctx context.Context, name string) (ConnectionState, error) {
	var resp struct {
		Instance struct {
			InstanceName string `json:"instanceName"`
			State        string `json:"state"`
			Owner        string `json:"owner"`
		} `json:"instance"`
		State string `json:"state"`
	}
	if err := c.do(ctx, "connection_state", http.MethodGet, "/instance/connectionState/"+url.PathEscape(name), nil, &resp); err != nil {
		return ConnectionState{}, err
	}
	return ConnectionState{
		Instance: first(resp.Instance.InstanceName, name),
		State:    strings.ToLower(first(resp.Instance.State, resp.State)),
		Owner:    resp.Instance.Owner,
	}, nil
}

// Logout ends the remote session of name without deleting the instance.
func (c *Client) Logout(ctx context.Context, name string) error {
	return c.do(ctx, "logout", http.MethodDelete, "/instance/logout/"+url.PathEscape(name), nil, nil)
}

// DeleteInstance removes the instance from the gateway.
func (c *Client) DeleteInstance(ctx context.Context, name string) error {
	return c.do(ctx, "delete_instance", http.MethodDelete, "/instance/delete/"+url.PathEscape(name), nil, nil)
}

// SetWebhook points the instance's event webhook at target for the given event types.
func (c *Client) SetWebhook(ctx context.Context, name, target string, events []string) error {
	req := map[string]any{
		"webhook": map[string]any{
			"enabled":  true,
			"url":      target,
			"byEvents": false,
			"base64":   false,
			"events":   events,
		},
	}
	return c.do(ctx, "set_webhook", http.MethodPost, "/webhook/set/"+url.PathEscape(name), req, nil)
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
