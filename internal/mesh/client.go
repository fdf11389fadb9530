// Package mesh talks to the root agent of the zero-trust mesh. The agent
// signs device public keys into mesh certificates and publishes the mesh CA
// and bootstrap addresses.
package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"meshid/api/internal/metrics"
)

var (
	ErrAgentUnavailable = errors.New("mesh agent unavailable")
	ErrMeshNotFound     = errors.New("mesh not found")
)

type Config struct {
	RootAgentURL string
	MeshName     string
	Timeout      time.Duration
	MeshInfoTTL  time.Duration
}

// Info is the mesh record published by the agent.
type Info struct {
	Name       string   `json:"name"`
	CA         string   `json:"ca"`
	Bootstraps []string `json:"bootstraps,omitempty"`
}

type Permit struct {
	CertificatePEM string
}

type Client struct {
	http     *http.Client
	baseURL  string
	meshName string
	infoTTL  time.Duration
	cache    *gocache.Cache
	log      zerolog.Logger
}

func NewClient(cfg Config, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:     &http.Client{Timeout: timeout},
		baseURL:  strings.TrimRight(cfg.RootAgentURL, "/"),
		meshName: cfg.MeshName,
		infoTTL:  cfg.MeshInfoTTL,
		cache:    gocache.New(cfg.MeshInfoTTL, 2*cfg.MeshInfoTTL),
		log:      log,
	}
}

func (c *Client) MeshName() string {
	return c.meshName
}

// CreatePermit asks the agent to sign publicKeyPEM for username.
func (c *Client) CreatePermit(ctx context.Context, username string, publicKeyPEM string) (Permit, error) {
	endpoint := fmt.Sprintf("%s/api/meshes/%s/permits/%s", c.baseURL, url.PathEscape(c.meshName), url.PathEscape(username))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(publicKeyPEM))
	if err != nil {
		return Permit{}, fmt.Errorf("build permit request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	var body struct {
		Agent struct {
			Certificate string `json:"certificate"`
		} `json:"agent"`
	}
	if err := c.do(req, "create_permit", &body); err != nil {
		return Permit{}, err
	}
	if strings.TrimSpace(body.Agent.Certificate) == "" {
		metrics.AgentRequests.WithLabelValues("create_permit", "malformed").Inc()
		return Permit{}, fmt.Errorf("%w: permit response has no certificate", ErrAgentUnavailable)
	}

	c.log.Info().Str("username", username).Msg("mesh permit created")
	return Permit{CertificatePEM: body.Agent.Certificate}, nil
}

// GetMeshInfo returns the record for the configured mesh. The agent may
// answer with a list of meshes or a single record.
func (c *Client) GetMeshInfo(ctx context.Context) (Info, error) {
	if c.infoTTL > 0 {
		if cached, ok := c.cache.Get(c.meshName); ok {
			return cached.(Info), nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/meshes", nil)
	if err != nil {
		return Info{}, fmt.Errorf("build mesh request: %w", err)
	}

	var raw json.RawMessage
	if err := c.do(req, "get_mesh_info", &raw); err != nil {
		return Info{}, err
	}

	info, err := selectMesh(raw, c.meshName)
	if err != nil {
		return Info{}, err
	}

	if c.infoTTL > 0 {
		c.cache.Set(c.meshName, info, c.infoTTL)
	}
	return info, nil
}

func selectMesh(raw json.RawMessage, name string) (Info, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []Info
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return Info{}, fmt.Errorf("%w: decode meshes: %v", ErrAgentUnavailable, err)
		}
		for _, m := range list {
			if m.Name == name {
				return m, nil
			}
		}
		return Info{}, fmt.Errorf("%w: %s", ErrMeshNotFound, name)
	}

	var single Info
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return Info{}, fmt.Errorf("%w: decode mesh: %v", ErrAgentUnavailable, err)
	}
	if single.Name != "" && single.Name != name {
		return Info{}, fmt.Errorf("%w: %s", ErrMeshNotFound, name)
	}
	return single, nil
}

// CheckConnectivity reports whether the agent answers the mesh listing
// with a 2xx status. It never returns an error.
func (c *Client) CheckConnectivity(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/meshes", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Msg("mesh agent unreachable")
		metrics.AgentRequests.WithLabelValues("check_connectivity", "error").Inc()
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok {
		c.log.Warn().Int("status", resp.StatusCode).Msg("mesh agent connectivity check failed")
		metrics.AgentRequests.WithLabelValues("check_connectivity", "error").Inc()
		return false
	}
	metrics.AgentRequests.WithLabelValues("check_connectivity", "ok").Inc()
	return true
}

func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.AgentRequests.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.AgentRequests.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("%w: read response: %v", ErrAgentUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.AgentRequests.WithLabelValues(op, "error").Inc()
		c.log.Error().Str("op", op).Int("status", resp.StatusCode).Str("body", truncate(string(body), 256)).Msg("mesh agent error")
		return fmt.Errorf("%w: status %d", ErrAgentUnavailable, resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		metrics.AgentRequests.WithLabelValues(op, "malformed").Inc()
		return fmt.Errorf("%w: decode response: %v", ErrAgentUnavailable, err)
	}

	metrics.AgentRequests.WithLabelValues(op, "ok").Inc()
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
