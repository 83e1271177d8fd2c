package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
)

// ErrMalformed means the API answered 2xx with a body we cannot trust.
var ErrMalformed = errors.New("malformed inventory response")

// StatusError is a non-2xx answer.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("inventory api status %d", e.Code) }

// Asset is one unit in a user's inventory.
type Asset struct {
	AssetID    string
	ClassID    string
	InstanceID string
	Name       string
}

// Page is one response page. LastAssetID is set when more pages follow.
type Page struct {
	Assets      []Asset
	Total       int
	LastAssetID string
}

const (
	pageSize = 5000
	maxPages = 10
)

// ClientConfig configures Client.
type ClientConfig struct {
	BaseURL   string
	ContextID string
	APIKey    string
	RPS       float64
	Burst     int
}

// Client reads a user's inventory for one app.
type Client struct {
	baseURL   string
	contextID string
	apiKey    string
	http      *http.Client
	limiter   *rate.Limiter
}

// NewClient builds a Client. hc nil uses a plain http.Client; deadlines come
// from the caller's context.
func NewClient(cfg ClientConfig, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	ctxID := cfg.ContextID
	if ctxID == "" {
		ctxID = "2"
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		contextID: ctxID,
		apiKey:    cfg.APIKey,
		http:      hc,
		limiter:   lim,
	}
}

// Wait blocks until the outbound rate limit admits one call.
func (c *Client) Wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// FetchPage requests one inventory page starting after startAssetID.
func (c *Client) FetchPage(ctx context.Context, steamID string, appID int, startAssetID string) (*Page, error) {
	u := fmt.Sprintf("%s/inventory/%s/%d/%s", c.baseURL, url.PathEscape(steamID), appID, url.PathEscape(c.contextID))
	q := url.Values{}
	q.Set("l", "english")
	q.Set("count", strconv.Itoa(pageSize))
	if startAssetID != "" {
		q.Set("start_assetid", startAssetID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, err
	}
	return decodePage(body)
}

type rawAsset struct {
	AppID      int    `json:"appid"`
	AssetID    string `json:"assetid"`
	ClassID    string `json:"classid"`
	InstanceID string `json:"instanceid"`
}

type rawDescription struct {
	ClassID        string `json:"classid"`
	InstanceID     string `json:"instanceid"`
	Name           string `json:"name"`
	MarketHashName string `json:"market_hash_name"`
}

type rawPage struct {
	Success      json.RawMessage  `json:"success"`
	Total        int              `json:"total_inventory_count"`
	Assets       []rawAsset       `json:"assets"`
	Descriptions []rawDescription `json:"descriptions"`
	MoreItems    int              `json:"more_items"`
	LastAssetID  string           `json:"last_assetid"`
}

func decodePage(body []byte) (*Page, error) {
	var raw *rawPage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: null body", ErrMalformed)
	}
	if s := strings.TrimSpace(string(raw.Success)); s != "1" && s != "true" {
		return nil, fmt.Errorf("%w: success=%s", ErrMalformed, s)
	}
	names := make(map[string]string, len(raw.Descriptions))
	for _, d := range raw.Descriptions {
		n := d.MarketHashName
		if n == "" {
			n = d.Name
		}
		names[d.ClassID+"_"+d.InstanceID] = n
	}
	p := &Page{Total: raw.Total, Assets: make([]Asset, 0, len(raw.Assets))}
	for _, a := range raw.Assets {
		if a.AssetID == "" {
			return nil, fmt.Errorf("%w: asset without id", ErrMalformed)
		}
		p.Assets = append(p.Assets, Asset{
			AssetID: a.AssetID, ClassID: a.ClassID, InstanceID: a.InstanceID,
			Name: names[a.ClassID+"_"+a.InstanceID],
		})
	}
	if raw.MoreItems == 1 {
		if raw.LastAssetID == "" {
			return nil, fmt.Errorf("%w: more_items without last_assetid", ErrMalformed)
		}
		p.LastAssetID = raw.LastAssetID
	}
	return p, nil
}

// pageFetcher is satisfied by *Client.
type pageFetcher interface {
	Wait(ctx context.Context) error
	FetchPage(ctx context.Context, steamID string, appID int, startAssetID string) (*Page, error)
}

var _ pageFetcher = (*Client)(nil)
