// Package ledger talks to an Arweave gateway: it lists a bundler's bundle
// transactions, downloads bundles and reads their item index.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/pkg/errors"
)

const (
	DefaultGateway = "https://arweave.net"
	DefaultLimit   = 50

	maxResponseSize = 8 << 20
)

var (
	ErrBundleDownloadFailed     = errors.New("bundle download failed")
	ErrBundleVerificationFailed = errors.New("bundle verification failed")
)

// BundleTx is a bundle publication transaction. Height is nil until the
// transaction is confirmed.
type BundleTx struct {
	ID     string
	Height *int64
	Cursor string
}

type Client struct {
	gateway string
	dataDir string
	client  *http.Client
}

func NewClient(gateway, dataDir string, client *http.Client) *Client {
	if gateway == "" {
		gateway = DefaultGateway
	}
	if client == nil {
		client = http.DefaultClient
	}

	return &Client{
		gateway: strings.TrimRight(gateway, "/"),
		dataDir: dataDir,
		client:  client,
	}
}

const latestTransactionsQuery = `query($owners: [String!], $first: Int, $after: String) {
  transactions(owners: $owners, first: $first, after: $after, tags: [{name: "Bundle-Format", values: ["binary"]}]) {
    edges {
      cursor
      node {
        id
        block { height }
      }
    }
  }
}`

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLResponse struct {
	Data struct {
		Transactions struct {
			Edges []struct {
				Cursor string `json:"cursor"`
				Node   struct {
					ID    string `json:"id"`
					Block *struct {
						Height int64 `json:"height"`
					} `json:"block"`
				} `json:"node"`
			} `json:"edges"`
		} `json:"transactions"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// LatestTransactions returns up to limit of the most recent bundles
// published by address, newest first.
func (c *Client) LatestTransactions(ctx context.Context, address string, limit int, cursor string) ([]BundleTx, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	vars := map[string]any{
		"owners": []string{address},
		"first":  limit,
	}
	if cursor != "" {
		vars["after"] = cursor
	}
	body, err := json.Marshal(graphQLRequest{Query: latestTransactionsQuery, Variables: vars})
	if err != nil {
		return nil, errors.Wrap(err, "Marshal")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gateway+"/graphql", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "NewRequest")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "Do")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("graphql answered %d", resp.StatusCode)
	}

	var out graphQLResponse
	if err = json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "Decode")
	}
	if len(out.Errors) > 0 {
		return nil, errors.Errorf("graphql: %s", out.Errors[0].Message)
	}

	txs := make([]BundleTx, 0, len(out.Data.Transactions.Edges))
	for _, edge := range out.Data.Transactions.Edges {
		tx := BundleTx{ID: edge.Node.ID, Cursor: edge.Cursor}
		if edge.Node.Block != nil {
			height := edge.Node.Block.Height
			tx.Height = &height
		}
		txs = append(txs, tx)
	}

	return txs, nil
}

// TxData downloads the data of transaction id into a local file and
// returns its path. The caller removes the file.
func (c *Client) TxData(ctx context.Context, id string) (path string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.gateway+"/"+url.PathEscape(id), nil)
	if err != nil {
		return "", errors.Wrap(ErrBundleDownloadFailed, err.Error())
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", errors.Wrap(ErrBundleDownloadFailed, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Wrapf(ErrBundleDownloadFailed, "gateway answered %d", resp.StatusCode)
	}

	if c.dataDir != "" {
		if err = os.MkdirAll(c.dataDir, 0755); err != nil {
			return "", errors.Wrap(ErrBundleDownloadFailed, err.Error())
		}
	}
	f, err := os.CreateTemp(c.dataDir, "bundle-*")
	if err != nil {
		return "", errors.Wrap(ErrBundleDownloadFailed, err.Error())
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = errors.Wrap(ErrBundleDownloadFailed, closeErr.Error())
		}
		if err != nil {
			_ = os.Remove(f.Name())
		}
	}()
	if _, err = io.Copy(f, resp.Body); err != nil {
		return "", errors.Wrap(ErrBundleDownloadFailed, err.Error())
	}

	return f.Name(), nil
}

// Height returns the gateway's current block height.
func (c *Client) Height(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.gateway+"/info", nil)
	if err != nil {
		return 0, errors.Wrap(err, "NewRequest")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "Do")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("info answered %d", resp.StatusCode)
	}

	var info struct {
		Height int64 `json:"height"`
	}
	if err = json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&info); err != nil {
		return 0, errors.Wrap(err, "Decode")
	}

	return info.Height, nil
}
