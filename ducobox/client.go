package ducobox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const DefaultRequestTimeout = 10 * time.Second

var (
	ErrDecode        = errors.New("invalid response payload")
	ErrUpdateRefused = errors.New("overrule update refused")
)

// Client talks to the HTTP API of a DUCO connectivity board.
type Client struct {
	host       string
	timeout    time.Duration
	httpClient *http.Client
}

func NewClient(host string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	return &Client{
		host:       host,
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

func (c *Client) Host() string {
	return c.host
}

func (c *Client) Nodes(ctx context.Context) ([]int, error) {
	var response nodeListResponse
	if err := c.getJSON(ctx, "/nodelist", nil, &response); err != nil {
		return nil, err
	}

	if response.NodeList == nil {
		return nil, fmt.Errorf("%w: missing \"nodelist\" from %v", ErrDecode, c.host)
	}

	return *response.NodeList, nil
}

func (c *Client) BoardInfo(ctx context.Context) (*BoardInfo, error) {
	var response boardInfoResponse
	if err := c.getJSON(ctx, "/board_info", nil, &response); err != nil {
		return nil, err
	}

	if response.Serial == nil {
		return nil, fmt.Errorf("%w: missing \"serial\" in board info from %v", ErrDecode, c.host)
	}

	info := &BoardInfo{Serial: *response.Serial}
	if response.Uptime != nil {
		info.Uptime = *response.Uptime
	}
	if response.SoftwareVersion != nil {
		info.SoftwareVersion = *response.SoftwareVersion
	}
	if response.Mac != nil {
		info.Mac = *response.Mac
	}
	if response.Ip != nil {
		info.Ip = *response.Ip
	}

	return info, nil
}

func (c *Client) NodeInfo(ctx context.Context, node int) (*NodeInfo, error) {
	var response nodeInfoResponse
	query := url.Values{"node": {strconv.Itoa(node)}}
	if err := c.getJSON(ctx, "/nodeinfoget", query, &response); err != nil {
		return nil, err
	}

	var missing []string
	if response.Type == nil {
		missing = append(missing, "devtype")
	}
	if response.Overrule == nil {
		missing = append(missing, "ovrl")
	}
	if response.Serial == nil {
		missing = append(missing, "serialnb")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: node %d on %v is missing %v", ErrDecode, node, c.host, strings.Join(missing, ", "))
	}

	info := &NodeInfo{
		Node:     node,
		Type:     *response.Type,
		Overrule: *response.Overrule,
		Serial:   strings.TrimSpace(*response.Serial),
	}
	if response.Node != nil && *response.Node != node {
		return nil, fmt.Errorf("%w: asked for node %d on %v, got node %d", ErrDecode, node, c.host, *response.Node)
	}

	return info, nil
}

func (c *Client) UpdateOverrule(ctx context.Context, node int, value int) error {
	query := url.Values{
		"node":  {strconv.Itoa(node)},
		"value": {strconv.Itoa(value)},
	}

	body, err := c.get(ctx, "/nodesetoverrule", query)
	if err != nil {
		return err
	}

	if result := strings.TrimSpace(string(body)); result != "SUCCESS" {
		return fmt.Errorf("%w: node %d on %v answered %q", ErrUpdateRefused, node, c.host, result)
	}

	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, dest any) error {
	body, err := c.get(ctx, path, query)
	if err != nil {
		return err
	}

	if err := json.NewDecoder(bytes.NewReader(body)).Decode(dest); err != nil {
		return fmt.Errorf("%w: decode %v from %v: %v", ErrDecode, path, c.host, err)
	}

	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := url.URL{
		Scheme:   "http",
		Host:     c.host,
		Path:     path,
		RawQuery: query.Encode(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %v: %w", endpoint.String(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %v: %w", endpoint.String(), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("invalid HTTP response %v from %v", resp.StatusCode, endpoint.String())
	}

	return body, nil
}
