package cloudflare_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	cfgo "github.com/cloudflare/cloudflare-go/v6"
	. "github.com/onsi/gomega"

	"github.com/treykane/cfkit/internal/cloudflare"
)

const testAccountID = "test-account-id"

func newTestClient(t *testing.T, handler http.Handler) *cloudflare.Client {
	t.Helper()
	return newTestClientWithAccount(t, handler, testAccountID)
}

func newTestClientWithAccount(t *testing.T, handler http.Handler, accountID string) *cloudflare.Client {
	t.Helper()
	c, err := cloudflare.NewClient(cloudflare.ClientConfig{
		APIToken:  "test-token",
		AccountID: accountID,
		BaseURL:   newServer(t, handler),
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func newServer(t *testing.T, handler http.Handler) string {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server.URL
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// envelope is the standard Cloudflare API response wrapper.
func envelope(result any) map[string]any {
	return map[string]any{
		"success":  true,
		"errors":   []any{},
		"messages": []any{},
		"result":   result,
	}
}

// paginatedEnvelope wraps a list result with pagination info.
func paginatedEnvelope(result any) map[string]any {
	return map[string]any{
		"success":  true,
		"errors":   []any{},
		"messages": []any{},
		"result":   result,
		"result_info": map[string]any{
			"page":     1,
			"per_page": 20,
		},
	}
}

func emptyPage() map[string]any {
	return paginatedEnvelope([]any{})
}

func apiError(status int) map[string]any {
	return map[string]any{
		"success":  false,
		"errors":   []map[string]any{{"code": 1000, "message": http.StatusText(status)}},
		"messages": []any{},
		"result":   nil,
	}
}

func TestIsConflict(t *testing.T) {
	t.Run("nil error", func(t *testing.T) {
		g := NewWithT(t)
		g.Expect(cloudflare.IsConflict(nil)).To(BeFalse())
	})

	t.Run("plain error", func(t *testing.T) {
		g := NewWithT(t)
		g.Expect(cloudflare.IsConflict(errors.New("something failed"))).To(BeFalse())
	})

	t.Run("wrapped sdk conflict", func(t *testing.T) {
		g := NewWithT(t)
		var apiErr cfgo.Error
		apiErr.StatusCode = http.StatusConflict
		g.Expect(cloudflare.IsConflict(fmt.Errorf("outer: %w", &apiErr))).To(BeTrue())
	})

	t.Run("raw conflict", func(t *testing.T) {
		g := NewWithT(t)
		g.Expect(cloudflare.IsConflict(&cloudflare.APIError{StatusCode: http.StatusConflict})).To(BeTrue())
		g.Expect(cloudflare.IsNotFound(&cloudflare.APIError{StatusCode: http.StatusConflict})).To(BeFalse())
	})
}

func TestTunnelTarget(t *testing.T) {
	g := NewWithT(t)
	g.Expect(cloudflare.TunnelTarget("abc-123")).To(Equal("abc-123.cfargotunnel.com"))
}

func TestNewClient(t *testing.T) {
	t.Run("token", func(t *testing.T) {
		g := NewWithT(t)
		c, err := cloudflare.NewClient(cloudflare.ClientConfig{APIToken: "test-token"})
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(c).NotTo(BeNil())
	})

	t.Run("key without email", func(t *testing.T) {
		g := NewWithT(t)
		_, err := cloudflare.NewClient(cloudflare.ClientConfig{APIKey: "key"})
		g.Expect(err).To(MatchError(cloudflare.ErrNoCredentials))
	})
}

func TestAccountIDResolvedFromFirstZone(t *testing.T) {
	g := NewWithT(t)
	zoneCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("GET /zones", func(w http.ResponseWriter, r *http.Request) {
		zoneCalls++
		g.Expect(r.URL.Query().Get("per_page")).To(Equal("1"))
		g.Expect(r.Header.Get("Authorization")).To(Equal("Bearer test-token"))
		writeJSON(w, http.StatusOK, envelope([]map[string]any{
			{"id": "zone-1", "name": "example.com", "account": map[string]any{"id": "acct-from-zone"}},
		}))
	})
	c := newTestClientWithAccount(t, mux, "")

	for range 2 {
		acct, err := c.AccountID(context.Background())
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(acct).To(Equal("acct-from-zone"))
	}
	g.Expect(zoneCalls).To(Equal(1))
}

func TestAccountIDWithoutZones(t *testing.T) {
	g := NewWithT(t)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /zones", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, envelope([]any{}))
	})
	c := newTestClientWithAccount(t, mux, "")

	_, err := c.AccountID(context.Background())
	g.Expect(err).To(MatchError(ContainSubstring("CF_ACCOUNT_ID")))
}

func TestCreateTunnel(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		g := NewWithT(t)
		mux := http.NewServeMux()
		mux.HandleFunc("POST /accounts/{accountID}/cfd_tunnel", func(w http.ResponseWriter, r *http.Request) {
			g.Expect(r.PathValue("accountID")).To(Equal(testAccountID))
			body, _ := io.ReadAll(r.Body)
			var params map[string]any
			json.Unmarshal(body, &params)
			g.Expect(params["name"]).To(Equal("support"))
			g.Expect(params["config_src"]).To(Equal("cloudflare"))
			g.Expect(params["tunnel_secret"]).To(Equal("c2VjcmV0"))
			writeJSON(w, http.StatusOK, envelope(map[string]any{
				"id":   "tunnel-123",
				"name": "support",
			}))
		})
		c := newTestClient(t, mux)

		id, err := c.CreateTunnel(context.Background(), "support", "c2VjcmV0")
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(id).To(Equal("tunnel-123"))
	})

	t.Run("API error", func(t *testing.T) {
		g := NewWithT(t)
		mux := http.NewServeMux()
		mux.HandleFunc("POST /accounts/{accountID}/cfd_tunnel", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusConflict, apiError(http.StatusConflict))
		})
		c := newTestClient(t, mux)

		_, err := c.CreateTunnel(context.Background(), "support", "c2VjcmV0")
		g.Expect(err).To(HaveOccurred())
		g.Expect(cloudflare.IsConflict(err)).To(BeTrue())
	})
}

func TestGetTunnelIDByName(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		g := NewWithT(t)
		mux := http.NewServeMux()
		mux.HandleFunc("GET /accounts/{accountID}/cfd_tunnel", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("page") == "2" {
				writeJSON(w, http.StatusOK, emptyPage())
				return
			}
			writeJSON(w, http.StatusOK, paginatedEnvelope([]map[string]any{
				{"id": "tunnel-abc", "name": "support"},
			}))
		})
		c := newTestClient(t, mux)

		id, err := c.GetTunnelIDByName(context.Background(), "support")
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(id).To(Equal("tunnel-abc"))
	})

	t.Run("not found", func(t *testing.T) {
		g := NewWithT(t)
		mux := http.NewServeMux()
		mux.HandleFunc("GET /accounts/{accountID}/cfd_tunnel", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, emptyPage())
		})
		c := newTestClient(t, mux)

		id, err := c.GetTunnelIDByName(context.Background(), "missing")
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(id).To(BeEmpty())
	})
}

func TestDeleteTunnel(t *testing.T) {
	t.Run("not found returns nil", func(t *testing.T) {
		g := NewWithT(t)
		mux := http.NewServeMux()
		mux.HandleFunc("DELETE /accounts/{accountID}/cfd_tunnel/{tunnelID}", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, apiError(http.StatusNotFound))
		})
		c := newTestClient(t, mux)

		g.Expect(c.DeleteTunnel(context.Background(), "missing")).To(Succeed())
	})

	t.Run("non-404 error is returned", func(t *testing.T) {
		g := NewWithT(t)
		mux := http.NewServeMux()
		mux.HandleFunc("DELETE /accounts/{accountID}/cfd_tunnel/{tunnelID}", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusBadRequest, apiError(http.StatusBadRequest))
		})
		c := newTestClient(t, mux)

		g.Expect(c.DeleteTunnel(context.Background(), "tunnel-123")).To(HaveOccurred())
	})
}

func TestGetTunnelToken(t *testing.T) {
	g := NewWithT(t)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /accounts/{accountID}/cfd_tunnel/{tunnelID}/token", func(w http.ResponseWriter, r *http.Request) {
		g.Expect(r.PathValue("tunnelID")).To(Equal("tunnel-123"))
		writeJSON(w, http.StatusOK, envelope("eyJhIjoiYWNjdCJ9"))
	})
	c := newTestClient(t, mux)

	token, err := c.GetTunnelToken(context.Background(), "tunnel-123")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(token).To(Equal("eyJhIjoiYWNjdCJ9"))
}

func TestUpdateTunnelConfiguration(t *testing.T) {
	g := NewWithT(t)
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /accounts/{accountID}/cfd_tunnel/{tunnelID}/configurations", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var params struct {
			Config struct {
				Ingress []map[string]any `json:"ingress"`
			} `json:"config"`
		}
		g.Expect(json.Unmarshal(body, &params)).To(Succeed())
		g.Expect(params.Config.Ingress).To(HaveLen(2))
		g.Expect(params.Config.Ingress[0]["hostname"]).To(Equal("support.example.com"))
		g.Expect(params.Config.Ingress[0]["service"]).To(Equal("ssh://localhost:22"))
		g.Expect(params.Config.Ingress[1]).NotTo(HaveKey("hostname"))
		g.Expect(params.Config.Ingress[1]["service"]).To(Equal("http_status:404"))
		writeJSON(w, http.StatusOK, envelope(map[string]any{}))
	})
	c := newTestClient(t, mux)

	err := c.UpdateTunnelConfiguration(context.Background(), "tunnel-123", []cloudflare.IngressRule{
		{Hostname: "support.example.com", Service: "ssh://localhost:22"},
		{Service: "http_status:404"},
	})
	g.Expect(err).NotTo(HaveOccurred())
}

func TestFindZoneIDByHostname(t *testing.T) {
	zonesHandler := func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			writeJSON(w, http.StatusOK, emptyPage())
			return
		}
		if r.URL.Query().Get("name") == "example.com" {
			writeJSON(w, http.StatusOK, paginatedEnvelope([]map[string]any{
				{"id": "zone-parent", "name": "example.com"},
			}))
			return
		}
		writeJSON(w, http.StatusOK, emptyPage())
	}

	t.Run("subdomain strips to parent zone", func(t *testing.T) {
		g := NewWithT(t)
		mux := http.NewServeMux()
		mux.HandleFunc("GET /zones", zonesHandler)
		c := newTestClient(t, mux)

		id, err := c.FindZoneIDByHostname(context.Background(), "a.support.example.com")
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(id).To(Equal("zone-parent"))
	})

	t.Run("no matching zone", func(t *testing.T) {
		g := NewWithT(t)
		mux := http.NewServeMux()
		mux.HandleFunc("GET /zones", zonesHandler)
		c := newTestClient(t, mux)

		_, err := c.FindZoneIDByHostname(context.Background(), "support.other.org")
		g.Expect(errors.Is(err, cloudflare.ErrZoneNotFound)).To(BeTrue())
	})
}

func TestDNSCNAME(t *testing.T) {
	records := func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			writeJSON(w, http.StatusOK, emptyPage())
			return
		}
		writeJSON(w, http.StatusOK, paginatedEnvelope([]map[string]any{
			{"id": "rec-1", "name": "support.example.com", "type": "CNAME", "content": "old.cfargotunnel.com"},
		}))
	}

	t.Run("get existing", func(t *testing.T) {
		g := NewWithT(t)
		mux := http.NewServeMux()
		mux.HandleFunc("GET /zones/{zoneID}/dns_records", records)
		c := newTestClient(t, mux)

		rec, ok, err := c.GetDNSRecord(context.Background(), "zone-1", "support.example.com")
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(ok).To(BeTrue())
		g.Expect(rec.ID).To(Equal("rec-1"))
		g.Expect(rec.IsCNAME()).To(BeTrue())
		g.Expect(rec.Content).To(Equal("old.cfargotunnel.com"))
	})

	t.Run("get sees records of any type", func(t *testing.T) {
		g := NewWithT(t)
		mux := http.NewServeMux()
		mux.HandleFunc("GET /zones/{zoneID}/dns_records", func(w http.ResponseWriter, r *http.Request) {
			g.Expect(r.URL.Query().Get("type")).To(BeEmpty())
			if r.URL.Query().Get("page") == "2" {
				writeJSON(w, http.StatusOK, emptyPage())
				return
			}
			writeJSON(w, http.StatusOK, paginatedEnvelope([]map[string]any{
				{"id": "rec-a", "name": "support.example.com", "type": "A", "content": "192.0.2.10"},
				{"id": "rec-aaaa", "name": "support.example.com", "type": "AAAA", "content": "2001:db8::10"},
			}))
		})
		c := newTestClient(t, mux)

		rec, ok, err := c.GetDNSRecord(context.Background(), "zone-1", "support.example.com")
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(ok).To(BeTrue())
		g.Expect(rec.ID).To(Equal("rec-a"))
		g.Expect(rec.Type).To(Equal("A"))
		g.Expect(rec.IsCNAME()).To(BeFalse())
	})

	t.Run("get missing", func(t *testing.T) {
		g := NewWithT(t)
		mux := http.NewServeMux()
		mux.HandleFunc("GET /zones/{zoneID}/dns_records", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, emptyPage())
		})
		c := newTestClient(t, mux)

		_, ok, err := c.GetDNSRecord(context.Background(), "zone-1", "support.example.com")
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(ok).To(BeFalse())
	})

	t.Run("create sends proxied CNAME", func(t *testing.T) {
		g := NewWithT(t)
		mux := http.NewServeMux()
		mux.HandleFunc("POST /zones/{zoneID}/dns_records", func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			var params map[string]any
			json.Unmarshal(body, &params)
			g.Expect(params["type"]).To(Equal("CNAME"))
			g.Expect(params["name"]).To(Equal("support.example.com"))
			g.Expect(params["content"]).To(Equal("t-1.cfargotunnel.com"))
			g.Expect(params["proxied"]).To(BeTrue())
			writeJSON(w, http.StatusOK, envelope(map[string]any{"id": "rec-new"}))
		})
		c := newTestClient(t, mux)

		g.Expect(c.CreateDNSCNAME(context.Background(), "zone-1", "support.example.com", "t-1.cfargotunnel.com")).To(Succeed())
	})

	t.Run("update targets record id", func(t *testing.T) {
		g := NewWithT(t)
		mux := http.NewServeMux()
		mux.HandleFunc("PUT /zones/{zoneID}/dns_records/{recordID}", func(w http.ResponseWriter, r *http.Request) {
			g.Expect(r.PathValue("recordID")).To(Equal("rec-1"))
			writeJSON(w, http.StatusOK, envelope(map[string]any{"id": "rec-1"}))
		})
		c := newTestClient(t, mux)

		g.Expect(c.UpdateDNSCNAME(context.Background(), "zone-1", "rec-1", "support.example.com", "t-1.cfargotunnel.com")).To(Succeed())
	})

	t.Run("delete existing", func(t *testing.T) {
		g := NewWithT(t)
		deleted := ""
		mux := http.NewServeMux()
		mux.HandleFunc("GET /zones/{zoneID}/dns_records", records)
		mux.HandleFunc("DELETE /zones/{zoneID}/dns_records/{recordID}", func(w http.ResponseWriter, r *http.Request) {
			deleted = r.PathValue("recordID")
			writeJSON(w, http.StatusOK, envelope(map[string]any{"id": deleted}))
		})
		c := newTestClient(t, mux)

		ok, err := c.DeleteDNSCNAME(context.Background(), "zone-1", "support.example.com", "old.cfargotunnel.com")
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(ok).To(BeTrue())
		g.Expect(deleted).To(Equal("rec-1"))
	})

	t.Run("delete leaves records aimed elsewhere", func(t *testing.T) {
		g := NewWithT(t)
		mux := http.NewServeMux()
		mux.HandleFunc("GET /zones/{zoneID}/dns_records", records)
		mux.HandleFunc("DELETE /zones/{zoneID}/dns_records/{recordID}", func(w http.ResponseWriter, r *http.Request) {
			t.Errorf("unexpected delete of %s", r.PathValue("recordID"))
		})
		c := newTestClient(t, mux)

		ok, err := c.DeleteDNSCNAME(context.Background(), "zone-1", "support.example.com", "t-2.cfargotunnel.com")
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(ok).To(BeFalse())
	})
}
