package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/aditya/fimwatch/pkg/model"
)

const dialTimeout = 5 * time.Second

// Client forwards supervisor operations to a running monitor's admin server.
type Client struct {
	addr    string
	timeout time.Duration
}

var _ Supervisor = (*Client)(nil)

// NewClient creates a client for the admin server at addr.
func NewClient(addr string) *Client {
	return &Client{addr: addr, timeout: DefaultCommandTimeout}
}

// Status returns the monitor's root states, or nil when the monitor is
// unreachable.
func (c *Client) Status() map[string]model.RootState {
	var states map[string]model.RootState
	if err := c.call(context.Background(), &states, StatusCmd); err != nil {
		return nil
	}
	return states
}

func (c *Client) GetBaseline(root string) (map[string]map[string]model.BaselineItem, error) {
	var out map[string]map[string]model.BaselineItem
	if err := c.call(context.Background(), &out, BaselineCmd, orPlaceholder(root)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetRecentLogs(root string, limit int) ([]model.LogEntry, error) {
	var out []model.LogEntry
	if err := c.call(context.Background(), &out, LogsCmd, orPlaceholder(root), strconv.Itoa(limit)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Scan(ctx context.Context, root string) (model.ScanReport, error) {
	var out model.ScanReport
	err := c.call(ctx, &out, ScanCmd, root)
	return out, err
}

func (c *Client) ResetBaseline(ctx context.Context, username string, roots []string) error {
	return c.call(ctx, nil, ResetCmd, roots...)
}

func (c *Client) Backup(ctx context.Context, root, username string) (*model.BackupRecord, error) {
	var out model.BackupRecord
	if err := c.call(ctx, &out, BackupCmd, root, orPlaceholder(username)); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Restore(ctx context.Context, backupID, destination, username string) (*model.RestoreResult, error) {
	var out model.RestoreResult
	if err := c.call(ctx, &out, RestoreCmd, backupID, orPlaceholder(destination), orPlaceholder(username)); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListBackups(root string) ([]model.BackupRecord, error) {
	var out []model.BackupRecord
	if err := c.call(context.Background(), &out, BackupsCmd, orPlaceholder(root)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CleanupBackups(ctx context.Context, olderThan time.Duration) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	err := c.call(ctx, &out, CleanupCmd, olderThan.String())
	return out.Removed, err
}

func (c *Client) call(ctx context.Context, out any, cmd string, args ...string) error {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, cmd)
	for _, arg := range args {
		parts = append(parts, strconv.Quote(arg))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return SendContext(ctx, c.addr, strings.Join(parts, " "), out)
}

// Send delivers command to the admin server at addr and decodes the JSON
// payload of an OK response into out, which may be nil.
func Send(addr, command string, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultCommandTimeout)
	defer cancel()
	return SendContext(ctx, addr, command, out)
}

// SendContext is Send bounded by ctx.
func SendContext(ctx context.Context, addr, command string, out any) error {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connecting to admin server at %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("setting deadline: %w", err)
		}
	}

	if _, err := fmt.Fprintf(conn, "%s\n", command); err != nil {
		return fmt.Errorf("sending command: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("reading response: %w", err)
	}
	line = strings.TrimSpace(line)

	if msg, ok := strings.CutPrefix(line, "ERROR: "); ok {
		return errors.New(msg)
	}
	payload, ok := strings.CutPrefix(line, "OK")
	if !ok {
		return fmt.Errorf("unexpected response %q", line)
	}
	payload = strings.TrimSpace(payload)
	if out == nil || payload == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func orPlaceholder(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
