package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"roomcrypt/common"
	"roomcrypt/configs"
	"roomcrypt/errs"
)

// HTTPClient speaks the federation surface over plain HTTP+JSON, one POST
// per operation. Timeouts come from the caller's context plus the
// configured ceiling.
type HTTPClient struct {
	client *http.Client
	logger *logrus.Logger
	// scheme lets tests run against httptest servers.
	Scheme string
}

var _ Transport = (*HTTPClient)(nil)

func NewHTTPClient(logger *logrus.Logger) *HTTPClient {
	return &HTTPClient{
		client: &http.Client{Timeout: configs.FederationTimeout},
		logger: logger,
		Scheme: "http",
	}
}

func (c *HTTPClient) DeliverToDevice(ctx context.Context, server string, env *common.ToDeviceEnvelope) error {
	var out struct{}
	return c.post(ctx, server, "/federation/send", env, &out)
}

func (c *HTTPClient) QueryKeys(ctx context.Context, server string, req map[string][]string) (map[string]map[string]*common.PublicIdentity, error) {
	var out struct {
		DeviceKeys map[string]map[string]*common.PublicIdentity `json:"device_keys"`
	}
	if err := c.post(ctx, server, "/federation/keys/query", map[string]any{"device_keys": req}, &out); err != nil {
		return nil, err
	}
	return out.DeviceKeys, nil
}

func (c *HTTPClient) ClaimOneTimeKey(ctx context.Context, server, userID, deviceID, algorithm string) (*common.ClaimedKey, error) {
	req := map[string]string{
		"user_id":   userID,
		"device_id": deviceID,
		"algorithm": algorithm,
	}
	var out common.ClaimedKey
	if err := c.post(ctx, server, "/federation/keys/claim", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) post(ctx context.Context, server, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errs.Validation("federation request not marshalable: %v", err)
	}
	url := fmt.Sprintf("%s://%s%s", c.Scheme, server, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errs.Persistence(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.WithFields(logrus.Fields{"server": server, "path": path}).Warnf("federation call failed: %v", err)
		return errs.Persistence(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return errs.NotFound("remote %s returned 404", server)
	case http.StatusConflict:
		return errs.Conflict("remote %s returned 409", server)
	case http.StatusGone:
		return errs.Exhausted("remote %s has no one-time keys", server)
	default:
		return errs.Persistence(fmt.Errorf("remote %s returned %d", server, resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Persistence(err)
	}
	return nil
}
