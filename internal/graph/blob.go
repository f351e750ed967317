package graph

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// BlobClient uploads bundle content to the block-oriented blob store behind
// the storage URI the management API hands out. Blocks are PUT individually
// and the ordered block list is committed as the final sub-step.
type BlobClient struct {
	http *resty.Client
}

// NewBlobClient creates a new blob store client.
// Parameters:
//   - timeout: per-request timeout; zero uses a 5 minute default sized for
//     full-chunk PUTs on slow links.
// Returns:
//   - *BlobClient: initialized client.
func NewBlobClient(timeout time.Duration) *BlobClient {
	httpClient := resty.New()
	if timeout > 0 {
		httpClient.SetTimeout(timeout)
	} else {
		httpClient.SetTimeout(5 * time.Minute)
	}
	return &BlobClient{http: httpClient}
}

// BlockID returns the deterministic, order-preserving identifier for the
// n-th block. Identifiers are fixed width so lexicographic order matches
// block order.
// Parameters:
//   - n: zero-based block index.
// Returns:
//   - string: base64-encoded block identifier.
func BlockID(n int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("block-%04d", n)))
}

// PutBlock uploads one block to the storage URI.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - storageURI: SAS-style upload URI from the content file descriptor.
//   - blockID: base64 block identifier from BlockID.
//   - data: block payload.
// Returns:
//   - error: non-nil if the PUT fails; any block failure aborts the upload.
func (c *BlobClient) PutBlock(ctx context.Context, storageURI, blockID string, data []byte) error {
	target := appendQuery(storageURI, "comp=block&blockid="+url.QueryEscape(blockID))
	resp, err := c.http.R().SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetHeader("x-ms-blob-type", "BlockBlob").
		SetBody(data).
		Put(target)
	if err != nil {
		return fmt.Errorf("put block %s: %w", blockID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("put block %s: blob store returned %d: %s", blockID, resp.StatusCode(), resp.String())
	}
	return nil
}

// blockList is the XML body of the block list commit.
type blockList struct {
	XMLName xml.Name `xml:"BlockList"`
	Latest  []string `xml:"Latest"`
}

// CommitBlockList commits the ordered list of uploaded blocks, finalizing the
// blob.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - storageURI: SAS-style upload URI from the content file descriptor.
//   - blockIDs: block identifiers in upload order.
// Returns:
//   - error: non-nil if the commit fails.
func (c *BlobClient) CommitBlockList(ctx context.Context, storageURI string, blockIDs []string) error {
	body, err := xml.Marshal(blockList{Latest: blockIDs})
	if err != nil {
		return fmt.Errorf("commit block list: %w", err)
	}

	target := appendQuery(storageURI, "comp=blocklist")
	resp, err := c.http.R().SetContext(ctx).
		SetHeader("Content-Type", "application/xml").
		SetBody(xml.Header + string(body)).
		Put(target)
	if err != nil {
		return fmt.Errorf("commit block list: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("commit block list: blob store returned %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// appendQuery joins extra query parameters onto a URI that may already carry
// a query string.
func appendQuery(uri, params string) string {
	if strings.Contains(uri, "?") {
		return uri + "&" + params
	}
	return uri + "?" + params
}
