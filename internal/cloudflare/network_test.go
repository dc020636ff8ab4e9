package cloudflare_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/treykane/cfkit/internal/cloudflare"
)

func TestDoReturnsResult(t *testing.T) {
	g := NewWithT(t)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /user/tokens/verify", func(w http.ResponseWriter, r *http.Request) {
		g.Expect(r.Header.Get("Authorization")).To(Equal("Bearer test-token"))
		writeJSON(w, http.StatusOK, envelope(map[string]any{"status": "active"}))
	})
	c := newTestClient(t, mux)

	raw, err := c.Do(context.Background(), "get", "user/tokens/verify", nil)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(raw)).To(MatchJSON(`{"status":"active"}`))
}

func TestDoSurfacesEnvelopeErrors(t *testing.T) {
	g := NewWithT(t)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /zones", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, apiError(http.StatusForbidden))
	})
	c := newTestClient(t, mux)

	_, err := c.Do(context.Background(), http.MethodPost, "/zones", json.RawMessage(`{"name":"x"}`))
	var apiErr *cloudflare.APIError
	g.Expect(err).To(BeAssignableToTypeOf(apiErr))
	g.Expect(err.Error()).To(ContainSubstring("[1000] Forbidden"))
	g.Expect(err.Error()).To(ContainSubstring("HTTP 403"))
}

func TestDoWithKeyAndEmail(t *testing.T) {
	g := NewWithT(t)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /zones", func(w http.ResponseWriter, r *http.Request) {
		g.Expect(r.Header.Get("X-Auth-Key")).To(Equal("global-key"))
		g.Expect(r.Header.Get("X-Auth-Email")).To(Equal("ops@example.com"))
		g.Expect(r.Header.Get("Authorization")).To(BeEmpty())
		writeJSON(w, http.StatusOK, envelope([]any{}))
	})
	server := newServer(t, mux)
	c, err := cloudflare.NewClient(cloudflare.ClientConfig{
		APIKey:    "global-key",
		APIEmail:  "ops@example.com",
		AccountID: testAccountID,
		BaseURL:   server,
	})
	g.Expect(err).NotTo(HaveOccurred())

	_, err = c.Do(context.Background(), http.MethodGet, "/zones", nil)
	g.Expect(err).NotTo(HaveOccurred())
}

func TestListTunnels(t *testing.T) {
	g := NewWithT(t)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /accounts/{accountID}/cfd_tunnel", func(w http.ResponseWriter, r *http.Request) {
		g.Expect(r.URL.Query().Get("is_deleted")).To(Equal("false"))
		writeJSON(w, http.StatusOK, envelope([]map[string]any{
			{"id": "t-1", "name": "support", "status": "healthy", "created_at": "2026-01-02T03:04:05Z", "connections": []any{map[string]any{}, map[string]any{}}},
			{"id": "t-2", "name": "web", "status": "inactive", "created_at": "2026-01-03T03:04:05Z", "connections": []any{}},
		}))
	})
	c := newTestClient(t, mux)

	tunnels, err := c.ListTunnels(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(tunnels).To(HaveLen(2))
	g.Expect(tunnels[0].Name).To(Equal("support"))
	g.Expect(tunnels[0].Connections).To(Equal(2))
	g.Expect(tunnels[1].Status).To(Equal("inactive"))
}

func TestResolveTunnelRef(t *testing.T) {
	t.Run("uuid passes through without API calls", func(t *testing.T) {
		g := NewWithT(t)
		c := newTestClient(t, http.NotFoundHandler())

		id, err := c.ResolveTunnelRef(context.Background(), "c1744f8b-faa1-48a4-9e5c-02ac921467fa")
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(id).To(Equal("c1744f8b-faa1-48a4-9e5c-02ac921467fa"))
	})

	t.Run("unknown name is not found", func(t *testing.T) {
		g := NewWithT(t)
		mux := http.NewServeMux()
		mux.HandleFunc("GET /accounts/{accountID}/cfd_tunnel", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, emptyPage())
		})
		c := newTestClient(t, mux)

		_, err := c.ResolveTunnelRef(context.Background(), "missing")
		g.Expect(cloudflare.IsNotFound(err)).To(BeTrue())
	})
}

func TestRoutes(t *testing.T) {
	g := NewWithT(t)
	var added map[string]any
	deleted := ""
	mux := http.NewServeMux()
	mux.HandleFunc("GET /accounts/{accountID}/teamnet/routes", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, envelope([]map[string]any{
			{"id": "r-1", "network": "10.0.0.0/24", "tunnel_id": "t-1", "comment": "lab"},
		}))
	})
	mux.HandleFunc("POST /accounts/{accountID}/teamnet/routes", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &added)
		writeJSON(w, http.StatusOK, envelope(map[string]any{"id": "r-2", "network": added["network"], "tunnel_id": added["tunnel_id"]}))
	})
	mux.HandleFunc("DELETE /accounts/{accountID}/teamnet/routes/{routeID}", func(w http.ResponseWriter, r *http.Request) {
		deleted = r.PathValue("routeID")
		writeJSON(w, http.StatusOK, envelope(map[string]any{"id": deleted}))
	})
	c := newTestClient(t, mux)

	routes, err := c.ListRoutes(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(routes).To(ConsistOf(cloudflare.Route{ID: "r-1", Network: "10.0.0.0/24", TunnelID: "t-1", Comment: "lab"}))

	route, err := c.AddRoute(context.Background(), "10.1.0.0/16", "t-1", "")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(route.ID).To(Equal("r-2"))
	g.Expect(added).NotTo(HaveKey("comment"))

	g.Expect(c.DeleteRoute(context.Background(), "r-2")).To(Succeed())
	g.Expect(deleted).To(Equal("r-2"))
}

func TestVirtualNetworksAndConnectors(t *testing.T) {
	g := NewWithT(t)
	var created map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("GET /accounts/{accountID}/teamnet/virtual_networks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, envelope([]map[string]any{
			{"id": "v-1", "name": "default", "is_default_network": true},
		}))
	})
	mux.HandleFunc("POST /accounts/{accountID}/teamnet/virtual_networks", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &created)
		writeJSON(w, http.StatusOK, envelope(map[string]any{"id": "v-2", "name": created["name"]}))
	})
	mux.HandleFunc("GET /accounts/{accountID}/warp_connector", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, envelope([]map[string]any{
			{"id": "w-1", "name": "office", "status": "healthy"},
		}))
	})
	c := newTestClient(t, mux)

	vnets, err := c.ListVirtualNetworks(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(vnets).To(HaveLen(1))
	g.Expect(vnets[0].IsDefault).To(BeTrue())

	vnet, err := c.CreateVirtualNetwork(context.Background(), "lab", "staging", false)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(vnet.ID).To(Equal("v-2"))
	g.Expect(created).To(HaveKeyWithValue("comment", "staging"))
	g.Expect(created).To(HaveKeyWithValue("is_default_network", false))

	conns, err := c.ListConnectors(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(conns).To(ConsistOf(cloudflare.Connector{ID: "w-1", Name: "office", Status: "healthy"}))
}
