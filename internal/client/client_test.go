package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/juju/errors"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/api"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/client"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/models"
)

func TestReserveSendsIdentityAndBody(t *testing.T) {
	var got api.ReserveBody
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Check(t, is.Equal(r.Method, http.MethodPost))
		assert.Check(t, is.Equal(r.URL.Path, "/v1/reservations"))
		assert.Check(t, is.Equal(r.Header.Get("X-Pool-Principal"), "alice"))
		assert.Check(t, is.Equal(r.Header.Get("X-Pool-Admin"), ""))
		assert.Check(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(models.Grant{
			LeaseIDs: []string{"l1"},
			Machines: []models.Endpoint{{Name: "m1", Host: "10.0.0.1", Port: 22}},
		})
	}))
	defer ts.Close()

	c := client.New(ts.URL+"/", "alice", false)
	grant, err := c.Reserve(context.Background(), 1, 90*time.Minute, "pw", "ticket-7")
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(grant.LeaseIDs, []string{"l1"}))
	assert.Check(t, is.Equal(got.Count, 1))
	assert.Check(t, is.Equal(got.DurationMinutes, 90))
	assert.Check(t, is.Equal(got.Password, "pw"))
	assert.Assert(t, got.UserRef != nil)
	assert.Check(t, is.Equal(*got.UserRef, "ticket-7"))
}

func TestAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		available := 1
		_ = json.NewEncoder(w).Encode(api.ErrorBody{Error: api.CodeInsufficientCapacity, Available: &available})
	}))
	defer ts.Close()

	_, err := client.New(ts.URL, "alice", false).Reserve(context.Background(), 3, 0, "pw", "")
	var apiErr *client.APIError
	assert.Assert(t, errors.As(err, &apiErr))
	assert.Check(t, is.Equal(apiErr.StatusCode, http.StatusConflict))
	assert.Check(t, is.Equal(apiErr.Body.Error, api.CodeInsufficientCapacity))
	assert.Check(t, is.Equal(*apiErr.Body.Available, 1))
}

func TestNonJSONError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	err := client.New(ts.URL, "ops", true).Healthy(context.Background())
	assert.Check(t, is.Error(err, "503 Service Unavailable: upstream down"))
}

func TestAdminCalls(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Check(t, is.Equal(r.Header.Get("X-Pool-Admin"), "true"))
		switch r.URL.Path {
		case "/v1/admin/release-all":
			_ = json.NewEncoder(w).Encode(map[string]int{"released": 4})
		case "/v1/reservations":
			assert.Check(t, is.Equal(r.URL.Query().Get("scope"), "all"))
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"reservations": []models.Lease{{ID: "l1"}}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	c := client.New(ts.URL, "ops", true)
	n, err := c.ReleaseAll(context.Background())
	assert.NilError(t, err)
	assert.Check(t, is.Equal(n, 4))

	leases, err := c.ListReservations(context.Background(), true)
	assert.NilError(t, err)
	assert.Check(t, is.Len(leases, 1))

	err = c.DeregisterMachine(context.Background(), "m1")
	var apiErr *client.APIError
	assert.Assert(t, errors.As(err, &apiErr))
	assert.Check(t, is.Equal(apiErr.StatusCode, http.StatusNotFound))
}

func TestParseBool(t *testing.T) {
	for in, want := range map[string]bool{"on": true, "off": false, "true": true, "0": false, "Yes": true} {
		got, err := client.ParseBool(in)
		assert.Check(t, err, in)
		assert.Check(t, is.Equal(got, want), in)
	}
	_, err := client.ParseBool("maybe")
	assert.Check(t, errors.Is(err, errors.NotValid))
}
