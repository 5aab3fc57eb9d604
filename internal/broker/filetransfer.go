package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/models"
)

// InitializeRequest starts an outbound file transfer
type InitializeRequest struct {
	ResourceID       string            `json:"resourceId"`
	FileName         string            `json:"fileName"`
	SendersReference string            `json:"sendersFileTransferReference,omitempty"`
	Sender           string            `json:"sender"`
	Recipients       []string          `json:"recipients"`
	PropertyList     map[string]string `json:"propertyList,omitempty"`
	Checksum         string            `json:"checksum,omitempty"`
}

type initializeResponse struct {
	FileTransferID string `json:"fileTransferId"`
}

func (c *Client) fileTransferURL(fileTransferID string, suffix string) string {
	u := c.brokerURL + "/filetransfer/" + url.PathEscape(fileTransferID)
	if suffix != "" {
		u += "/" + suffix
	}
	return u
}

// FileOverview fetches the current overview of a file transfer
func (c *Client) FileOverview(ctx context.Context, fileTransferID string) (*models.FileOverview, error) {
	var overview models.FileOverview
	if err := c.doJSON(ctx, http.MethodGet, c.fileTransferURL(fileTransferID, ""), nil, &overview); err != nil {
		return nil, fmt.Errorf("failed to get file overview %s: %w", fileTransferID, err)
	}
	return &overview, nil
}

// FileDetails fetches the overview including the status history
func (c *Client) FileDetails(ctx context.Context, fileTransferID string) (*models.FileOverview, error) {
	var overview models.FileOverview
	if err := c.doJSON(ctx, http.MethodGet, c.fileTransferURL(fileTransferID, "details"), nil, &overview); err != nil {
		return nil, fmt.Errorf("failed to get file details %s: %w", fileTransferID, err)
	}
	return &overview, nil
}

// Download fetches the payload of a published file transfer
func (c *Client) Download(ctx context.Context, fileTransferID string) ([]byte, error) {
	payload, err := c.do(ctx, request{
		method: http.MethodGet,
		url:    c.fileTransferURL(fileTransferID, "download"),
		accept: "application/octet-stream",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", fileTransferID, err)
	}
	return payload, nil
}

// ConfirmDownload tells the broker the recipient has the payload
func (c *Client) ConfirmDownload(ctx context.Context, fileTransferID string) error {
	if err := c.doJSON(ctx, http.MethodPost, c.fileTransferURL(fileTransferID, "confirmdownload"), nil, nil); err != nil {
		return fmt.Errorf("failed to confirm download %s: %w", fileTransferID, err)
	}
	return nil
}

// Healthcheck lists file transfers for the resource; any 2xx means the
// broker is reachable and accepts the credentials.
func (c *Client) Healthcheck(ctx context.Context, resourceID string) error {
	params := url.Values{}
	params.Set("resourceId", resourceID)
	if err := c.doJSON(ctx, http.MethodGet, c.brokerURL+"/filetransfer?"+params.Encode(), nil, nil); err != nil {
		return fmt.Errorf("broker health check failed: %w", err)
	}
	return nil
}

// Initialize creates an outbound file transfer and returns its id
func (c *Client) Initialize(ctx context.Context, req InitializeRequest) (string, error) {
	var resp initializeResponse
	if err := c.doJSON(ctx, http.MethodPost, c.brokerURL+"/filetransfer", req, &resp); err != nil {
		return "", fmt.Errorf("failed to initialize file transfer: %w", err)
	}
	if resp.FileTransferID == "" {
		return "", models.NewNonRetryableError("initialize", fmt.Errorf("no fileTransferId in response"))
	}
	return resp.FileTransferID, nil
}

// Upload sends the payload of an initialized file transfer
func (c *Client) Upload(ctx context.Context, fileTransferID string, payload []byte) error {
	_, err := c.do(ctx, request{
		method:      http.MethodPost,
		url:         c.fileTransferURL(fileTransferID, "upload"),
		contentType: "application/octet-stream",
		body:        payload,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", fileTransferID, err)
	}
	return nil
}
