// Package client implements an HTTP client for the conserver API.
//
// Four endpoints are consumed: vCon creation, ingress-list enqueueing, and
// configuration fetch/replace. Configuration calls are retried with backoff
// since they gate setup and teardown of a test run; dispatch calls are never
// retried, as a hidden retry would skew both the dispatch rate and the
// correlation accounting.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vcon-dev/conserver-testsuite/internal/common/harnesserrors"
)

const (
	// Header also understood by older conserver deployments that predate
	// bearer-token auth.
	legacyTokenHeader = "x-conserver-api-token"

	configRetryAttempts = 4
	configRetryDelay    = 500 * time.Millisecond
)

// ErrStatus is returned when conserver responds with a non-2xx status.
type ErrStatus struct {
	Code int
	Body string
}

func (err *ErrStatus) Error() string {
	return fmt.Sprintf("conserver responded with status %d: %s", err.Code, err.Body)
}

type Client struct {
	connectionDetails *ConnectionDetails
	httpClient        *http.Client
}

func New(connectionDetails *ConnectionDetails) *Client {
	return &Client{
		connectionDetails: connectionDetails,
		httpClient: &http.Client{
			Timeout: connectionDetails.RequestTimeout,
		},
	}
}

// CreateVcon posts a vCon document and returns the identifier assigned by
// the server.
func (c *Client) CreateVcon(ctx context.Context, body []byte) (string, error) {
	respBody, err := c.do(ctx, http.MethodPost, "/vcon", nil, body)
	if err != nil {
		return "", err
	}
	var resp struct {
		Uuid string `json:"uuid"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", errors.Wrap(err, "decoding vcon create response")
	}
	if resp.Uuid == "" {
		return "", errors.New("no uuid returned from vcon creation")
	}
	return resp.Uuid, nil
}

// EnqueueVcon adds an already-created vCon to an ingress list for processing.
func (c *Client) EnqueueVcon(ctx context.Context, id string, ingressList string) error {
	ids, err := json.Marshal([]string{id})
	if err != nil {
		return errors.WithStack(err)
	}
	query := url.Values{"ingress_list": []string{ingressList}}
	_, err = c.do(ctx, http.MethodPost, "/vcon/ingress", query, ids)
	return err
}

// GetConfig fetches the current conserver configuration verbatim.
func (c *Client) GetConfig(ctx context.Context) (map[string]interface{}, error) {
	var config map[string]interface{}
	err := retry.Do(
		func() error {
			body, err := c.do(ctx, http.MethodGet, "/config", nil, nil)
			if err != nil {
				return err
			}
			return errors.Wrap(json.Unmarshal(body, &config), "decoding config")
		},
		retry.Attempts(configRetryAttempts),
		retry.Delay(configRetryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryableConfigError(ctx)),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("retrying config fetch (attempt %d)", n+1)
		}),
	)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// ReplaceConfig pushes a complete configuration document, replacing whatever
// the server currently runs.
func (c *Client) ReplaceConfig(ctx context.Context, config map[string]interface{}) error {
	body, err := json.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "encoding config")
	}
	return retry.Do(
		func() error {
			_, err := c.do(ctx, http.MethodPost, "/config", nil, body)
			return err
		},
		retry.Attempts(configRetryAttempts),
		retry.Delay(configRetryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryableConfigError(ctx)),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("retrying config replace (attempt %d)", n+1)
		}),
	)
}

// retryableConfigError reports whether a config call is worth retrying:
// connection failures and 5xx responses are transient, 4xx responses are
// not, and nothing is retried once the context is done.
func retryableConfigError(ctx context.Context) func(error) bool {
	return func(err error) bool {
		if ctx.Err() != nil {
			return false
		}
		var statusErr *ErrStatus
		if errors.As(err, &statusErr) {
			return statusErr.Code >= 500
		}
		return harnesserrors.IsNetworkError(err)
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	u := c.connectionDetails.ConserverUrl + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.connectionDetails.ApiToken; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set(legacyTokenHeader, token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.WithStack(&ErrStatus{Code: resp.StatusCode, Body: string(respBody)})
	}
	return respBody, nil
}
