// Package client is a typed client for the poolmgr HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/api"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/auth"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/journal"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/models"
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Body       api.ErrorBody
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%d %s", e.StatusCode, e.Body.Error)
	if e.Body.Message != "" {
		msg += ": " + e.Body.Message
	}
	if e.Body.Details != "" {
		msg += ": " + e.Body.Details
	}
	return msg
}

// Client talks to one poolmgr server as one principal.
type Client struct {
	BaseURL   string
	Principal string
	Admin     bool
	HTTP      *http.Client

	PrincipalHeader string
	AdminHeader     string
}

// New returns a client for baseURL. The HTTP timeout has to cover account
// provisioning, which can take minutes.
func New(baseURL, principal string, admin bool) *Client {
	return &Client{
		BaseURL:         strings.TrimRight(baseURL, "/"),
		Principal:       principal,
		Admin:           admin,
		HTTP:            &http.Client{Timeout: 15 * time.Minute},
		PrincipalHeader: auth.DefaultPrincipalHeader,
		AdminHeader:     auth.DefaultAdminHeader,
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return errors.Trace(err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return errors.Trace(err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Principal != "" {
		req.Header.Set(c.PrincipalHeader, c.Principal)
	}
	if c.Admin {
		req.Header.Set(c.AdminHeader, "true")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.Annotatef(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if json.Unmarshal(data, &apiErr.Body) != nil || apiErr.Body.Error == "" {
			apiErr.Body.Error = http.StatusText(resp.StatusCode)
			apiErr.Body.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return errors.Annotatef(json.NewDecoder(resp.Body).Decode(out), "decoding %s %s", method, path)
}

// Reserve leases count machines for duration. A zero duration takes the
// server default.
func (c *Client) Reserve(ctx context.Context, count int, duration time.Duration, password string, userRef string) (*models.Grant, error) {
	body := api.ReserveBody{
		Count:           count,
		DurationMinutes: int(duration / time.Minute),
		Password:        password,
	}
	if userRef != "" {
		body.UserRef = &userRef
	}
	var grant models.Grant
	if err := c.do(ctx, http.MethodPost, "/v1/reservations", body, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

// ListReservations returns the caller's leases, or all of them.
func (c *Client) ListReservations(ctx context.Context, all bool) ([]models.Lease, error) {
	path := "/v1/reservations"
	if all {
		path += "?scope=all"
	}
	var out struct {
		Reservations []models.Lease `json:"reservations"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Reservations, err
}

func (c *Client) GetReservation(ctx context.Context, id string) (*models.Lease, error) {
	var l models.Lease
	if err := c.do(ctx, http.MethodGet, "/v1/reservations/"+url.PathEscape(id), nil, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (c *Client) Release(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/reservations/"+url.PathEscape(id), nil, nil)
}

func (c *Client) AvailableMachines(ctx context.Context) ([]models.Endpoint, error) {
	var out struct {
		Machines []models.Endpoint `json:"machines"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/machines/available", nil, &out)
	return out.Machines, err
}

func (c *Client) ListMachines(ctx context.Context) ([]models.Machine, error) {
	var out struct {
		Machines []models.Machine `json:"machines"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/machines", nil, &out)
	return out.Machines, err
}

func (c *Client) RegisterMachine(ctx context.Context, spec models.MachineSpec) (*models.Machine, error) {
	var m models.Machine
	if err := c.do(ctx, http.MethodPost, "/v1/machines", spec, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) UpdateMachine(ctx context.Context, name string, upd models.MachineUpdate) (*models.Machine, error) {
	var m models.Machine
	if err := c.do(ctx, http.MethodPatch, "/v1/machines/"+url.PathEscape(name), upd, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) DeregisterMachine(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/v1/machines/"+url.PathEscape(name), nil, nil)
}

// ReleaseAll force releases every lease and returns how many were cleared.
func (c *Client) ReleaseAll(ctx context.Context) (int, error) {
	var out map[string]int
	if err := c.do(ctx, http.MethodPost, "/v1/admin/release-all", nil, &out); err != nil {
		return 0, err
	}
	return out["released"], nil
}

func (c *Client) StaleAccounts(ctx context.Context) ([]journal.Entry, error) {
	var out struct {
		Accounts []journal.Entry `json:"accounts"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/admin/stale-accounts", nil, &out)
	return out.Accounts, err
}

// Healthy checks /healthz.
func (c *Client) Healthy(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// ParseBool is a lenient boolean for CLI arguments such as "on" and "off".
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "yes", "y":
		return true, nil
	case "off", "no", "n":
		return false, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false, errors.NotValidf("boolean %q", s)
	}
	return b, nil
}
