package nfe

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// xmlTypeNFe asks the provider for authorised NFe documents.
const xmlTypeNFe = 1

const providerDateLayout = "2006-01-02"

// Query selects the invoices addressed to one destination company.
type Query struct {
	From     time.Time
	To       time.Time
	DestCNPJ string
}

// ClientConfig configures the fiscal API client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the fiscal document provider.
type Client struct {
	httpClient *http.Client
	endpoint   string
}

type fetchRequest struct {
	XMLType      int    `json:"XmlType"`
	EmissionFrom string `json:"DataEmissaoInicio"`
	EmissionTo   string `json:"DataEmissaoFim"`
	DestCNPJ     string `json:"CnpjDest"`
}

type fetchResponse struct {
	XMLs []string `json:"xmls"`
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("nfe: provider url is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("nfe: provider url: %w", err)
	}
	if cfg.APIKey != "" {
		q := u.Query()
		q.Set("apikey", cfg.APIKey)
		u.RawQuery = q.Encode()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{httpClient: httpClient, endpoint: u.String()}, nil
}

// Fetch returns the decoded XML documents matching q. Non-200 answers come
// back as *StatusError.
func (c *Client) Fetch(ctx context.Context, q Query) ([][]byte, error) {
	payload, err := json.Marshal(fetchRequest{
		XMLType:      xmlTypeNFe,
		EmissionFrom: q.From.Format(providerDateLayout),
		EmissionTo:   q.To.Format(providerDateLayout),
		DestCNPJ:     q.DestCNPJ,
	})
	if err != nil {
		return nil, fmt.Errorf("nfe: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("nfe: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nfe: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var decoded fetchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("nfe: decode response: %w", err)
	}
	docs := make([][]byte, 0, len(decoded.XMLs))
	for _, encoded := range decoded.XMLs {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			// Kept as-is; the synchronizer reports it as malformed.
			docs = append(docs, nil)
			continue
		}
		docs = append(docs, raw)
	}
	return docs, nil
}
