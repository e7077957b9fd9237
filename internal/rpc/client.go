package rpc

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/retcon/retcon/internal/model"
)

// ConflictEntry is one listed conflict, as decoded client-side from a
// TagListConflicts response.
type ConflictEntry struct {
	InternalKey string
	Entity      string
	Initial     map[string]string
	DiffID      string
	Ops         []ConflictOp
}

// ConflictOp is one operation within a ConflictEntry.
type ConflictOp struct {
	ID       string
	Kind     string
	Path     []string
	Value    string
	Accepted bool
}

// Client is a thin, connection-per-call client for retcon-client and
// any other program that drives the server over the wire rather than
// linking internal/store directly.
type Client struct {
	address string
	dialer  net.Dialer
}

// NewClient returns a Client that dials address fresh for every call.
func NewClient(address string, dialTimeout time.Duration) *Client {
	return &Client{address: address, dialer: net.Dialer{Timeout: dialTimeout}}
}

func (c *Client) roundTrip(tag Tag, body []byte) ([]byte, error) {
	network, addr, err := parseAddress(c.address)
	if err != nil {
		return nil, err
	}
	conn, err := c.dialer.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := WriteRequest(conn, tag, body); err != nil {
		return nil, err
	}
	status, resp, err := ReadResponse(conn)
	if err != nil {
		return nil, err
	}
	if status == StatusError {
		code := model.ErrCodeUnknown
		if len(resp) == 1 {
			code = model.ErrorCode(resp[0])
		}
		return nil, &model.ProtocolError{Code: code}
	}
	return resp, nil
}

// Notify sends a CHANGE request for (entity, source, fid).
func (c *Client) Notify(entity, source, fid string) error {
	body, err := json.Marshal(changeRequest{Entity: entity, Source: source, FID: fid})
	if err != nil {
		return err
	}
	_, err = c.roundTrip(TagChange, body)
	return err
}

// ListConflicts sends a LIST_CONFLICTS request and decodes the result.
func (c *Client) ListConflicts() ([]ConflictEntry, error) {
	resp, err := c.roundTrip(TagListConflicts, nil)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, nil
	}

	var wire []conflictEntry
	if err := json.Unmarshal(resp, &wire); err != nil {
		return nil, fmt.Errorf("decoding list-conflicts response: %w", err)
	}

	out := make([]ConflictEntry, 0, len(wire))
	for _, e := range wire {
		ops := make([]ConflictOp, 0, len(e.Ops))
		for _, op := range e.Ops {
			ops = append(ops, ConflictOp{
				ID: op.ID, Kind: op.Kind, Path: op.Path, Value: op.Value, Accepted: op.Accepted,
			})
		}
		out = append(out, ConflictEntry{
			InternalKey: e.InternalKey, Entity: e.Entity, Initial: e.Initial, DiffID: e.DiffID, Ops: ops,
		})
	}
	return out, nil
}

// Resolve sends a RESOLVE request choosing opIDs from diffID's
// conflict.
func (c *Client) Resolve(diffID string, opIDs []string) error {
	body, err := json.Marshal(resolveRequest{DiffID: diffID, OpIDs: opIDs})
	if err != nil {
		return err
	}
	_, err = c.roundTrip(TagResolve, body)
	return err
}
