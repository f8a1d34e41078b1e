package core

// Optional public-IPFS interop bridge: republish a locally-stored Chunk to
// a public IPFS gateway under its CIDv1/raw multihash, and fetch chunks
// that live only on the public network. This is an external-interop
// convenience, not part of the node's own replication path (§C3/§C7
// already cover that over the native wire protocol) — grounded on the
// teacher's core/ipfs.go + core/storage.go gateway-pin logic, trimmed of
// the escrow/listing/deal marketplace code that had no home in this
// module's payment model (native GraphEntry spends, not escrowed deals;
// see DESIGN.md).

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

var ErrGatewayUnavailable = errors.New("ipfs_gateway: not configured")

type IPFSGateway struct {
	client  *http.Client
	gateway string
	log     *zap.SugaredLogger
}

func NewIPFSGateway(gatewayURL string, timeout time.Duration) *IPFSGateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &IPFSGateway{
		client:  &http.Client{Timeout: timeout},
		gateway: gatewayURL,
		log:     zap.L().Sugar(),
	}
}

// PinChunk republishes c to the configured gateway, verifying the
// gateway's returned hash matches the chunk's own address CID — a
// mismatch means the gateway rehashed with a different function and the
// chunk should not be treated as retrievable under this address.
func (g *IPFSGateway) PinChunk(ctx context.Context, c *Chunk) (string, error) {
	if g.gateway == "" {
		return "", ErrGatewayUnavailable
	}
	wantCID := c.Address().CID()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.gateway+"/api/v0/add?pin=true", bytes.NewReader(c.Data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ipfs_gateway: pin request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("ipfs_gateway: pin returned %d: %s", resp.StatusCode, string(b))
	}

	var meta struct {
		Hash string `json:"Hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return "", fmt.Errorf("ipfs_gateway: decode pin response: %w", err)
	}
	if meta.Hash != wantCID {
		g.log.Warnw("gateway CID mismatch", "want", wantCID, "got", meta.Hash)
	}
	g.log.Infow("pinned chunk", "cid", meta.Hash, "bytes", len(c.Data))
	return meta.Hash, nil
}

// FetchChunk retrieves raw bytes for cidStr from the gateway and wraps
// them in a Chunk. The caller is responsible for checking the resulting
// Chunk.Address() against whatever it expected.
func (g *IPFSGateway) FetchChunk(ctx context.Context, cidStr string) (*Chunk, error) {
	if g.gateway == "" {
		return nil, ErrGatewayUnavailable
	}
	url := g.gateway + "/ipfs/" + cidStr
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ipfs_gateway: fetch request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("ipfs_gateway: fetch returned %d: %s", resp.StatusCode, string(b))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	g.log.Infow("fetched chunk", "cid", cidStr, "bytes", len(data))
	return &Chunk{Data: data}, nil
}

// UnpinChunk removes addr's pin from the gateway.
func (g *IPFSGateway) UnpinChunk(ctx context.Context, addr Address) error {
	if g.gateway == "" {
		return ErrGatewayUnavailable
	}
	url := fmt.Sprintf("%s/api/v0/pin/rm?arg=%s", g.gateway, addr.CID())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("ipfs_gateway: unpin request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 128))
		return fmt.Errorf("ipfs_gateway: unpin returned %d: %s", resp.StatusCode, string(b))
	}
	g.log.Infow("unpinned chunk", "cid", addr.CID())
	return nil
}
