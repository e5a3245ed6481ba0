// Package gateway fetches this device's task and earning listings from the
// remote gateway. It owns response-shape tolerance: envelope variants,
// loosely typed fields and malformed pages never reach the sync engine as
// hard failures.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/domain"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/infra/metrics"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/logging"
)

// DefaultTimeout bounds a single gateway request.
const DefaultTimeout = 10 * time.Second

// Client is a thin HTTP fetcher for gateway listings.
type Client struct {
	http     *resty.Client
	identity domain.Identity
	log      logrus.FieldLogger
}

// New creates a client. Credentials come from identity on each call; the
// daemon passes its loaded config, so a new registration applies after a
// restart.
func New(identity domain.Identity, timeout time.Duration, log logrus.FieldLogger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http: resty.New().
			SetTimeout(timeout).
			SetHeader("Accept", "application/json").
			SetHeader("User-Agent", "sight-node"),
		identity: identity,
		log:      logging.OrDiscard(log).WithField("component", "gateway"),
	}
}

// FetchTasks returns one page of this device's tasks. Records that fail to
// decode are logged and dropped; a malformed page yields an empty slice.
func (c *Client) FetchTasks(ctx context.Context, page, pageSize int) ([]domain.Task, error) {
	items, err := c.list(ctx, "tasks", page, pageSize)
	if err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(items))
	for _, raw := range items {
		var r remoteTask
		if err := json.Unmarshal(raw, &r); err != nil {
			c.log.WithError(err).WithField("record", truncate(raw)).Warn("drop undecodable task")
			continue
		}
		tasks = append(tasks, r.toDomain())
	}
	return tasks, nil
}

// FetchEarnings returns one page of this device's earnings.
func (c *Client) FetchEarnings(ctx context.Context, page, pageSize int) ([]domain.Earning, error) {
	items, err := c.list(ctx, "earnings", page, pageSize)
	if err != nil {
		return nil, err
	}
	earnings := make([]domain.Earning, 0, len(items))
	for _, raw := range items {
		var r remoteEarning
		if err := json.Unmarshal(raw, &r); err != nil {
			c.log.WithError(err).WithField("record", truncate(raw)).Warn("drop undecodable earning")
			continue
		}
		earnings = append(earnings, r.toDomain())
	}
	return earnings, nil
}

// list performs GET {gateway}/node/devices/{id}/{resource}?page&pageSize.
func (c *Client) list(ctx context.Context, resource string, page, pageSize int) ([]json.RawMessage, error) {
	if !c.identity.IsRegistered() {
		return nil, domain.ErrNotRegistered
	}
	base := strings.TrimRight(c.identity.GatewayAddress(), "/")
	endpoint := fmt.Sprintf("%s/node/devices/%s/%s", base, url.PathEscape(c.identity.DeviceID()), resource)

	start := time.Now()
	resp, err := c.request(ctx, endpoint, func(req *resty.Request) {
		req.SetQueryParams(map[string]string{
			"page":     strconv.Itoa(page),
			"pageSize": strconv.Itoa(pageSize),
		})
	})
	metrics.GatewayLatency.WithLabelValues(resource).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	items, err := decodeList(resp.Body())
	if errors.Is(err, domain.ErrMalformedPayload) {
		c.log.WithError(err).WithFields(logrus.Fields{
			"resource": resource,
			"page":     page,
			"body":     truncate(resp.Body()),
		}).Warn("treating malformed page as empty")
		return nil, nil
	}
	return items, err
}

func (c *Client) request(ctx context.Context, endpoint string, callback func(req *resty.Request)) (*resty.Response, error) {
	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.identity.AuthKey())
	if callback != nil {
		callback(req)
	}
	resp, err := req.Get(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRemoteUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: %s returned %d", domain.ErrRemoteUnavailable, endpoint, resp.StatusCode())
	}
	return resp, nil
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
