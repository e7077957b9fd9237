package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/retcon/retcon/internal/diffop"
	"github.com/retcon/retcon/internal/model"
	"github.com/retcon/retcon/internal/store"
)

// changeRequest is TagChange's JSON body.
type changeRequest struct {
	Entity string `json:"entity"`
	Source string `json:"source"`
	FID    string `json:"fid"`
}

// resolveRequest is TagResolve's JSON body.
type resolveRequest struct {
	DiffID string   `json:"diff_id"`
	OpIDs  []string `json:"op_ids"`
}

// opEntry is one operation within a conflictEntry.
type opEntry struct {
	ID       string   `json:"id"`
	Kind     string   `json:"kind"`
	Path     []string `json:"path"`
	Value    string   `json:"value"`
	Accepted bool     `json:"accepted"`
}

// conflictEntry is one element of TagListConflicts' response body,
// shaped after §4.3's listConflicts return type.
type conflictEntry struct {
	InternalKey string            `json:"internal_key"`
	Entity      string            `json:"entity"`
	Initial     map[string]string `json:"initial"`
	DiffID      string            `json:"diff_id"`
	Ops         []opEntry         `json:"ops"`
}

// Server is the request/reply socket (§4.7): one TCP (or unix) listener,
// an accept loop, and a per-connection sequential request loop, exactly
// mirroring the teacher's single-threaded API server but over a raw
// framed socket rather than HTTP.
type Server struct {
	store  *store.Store
	logger *zap.Logger

	listener net.Listener
}

// NewServer constructs a Server bound to address, which may be a bare
// host:port (defaulting to tcp) or a scheme-qualified address such as
// "tcp://0.0.0.0:60179" or "unix:///var/run/retcon.sock".
func NewServer(address string, st *store.Store, logger *zap.Logger) (*Server, error) {
	network, addr, err := parseAddress(address)
	if err != nil {
		return nil, &model.ConfigError{Reason: err.Error()}
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	return &Server{store: st, logger: logger, listener: ln}, nil
}

func parseAddress(address string) (network, addr string, err error) {
	if !strings.Contains(address, "://") {
		return "tcp", address, nil
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", "", err
	}
	network = u.Scheme
	if u.Host != "" {
		addr = u.Host
	} else {
		addr = u.Path
	}
	return network, addr, nil
}

// Addr returns the listener's bound address, useful in tests that bind
// to port 0.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Run accepts connections until ctx is cancelled, handling each on its
// own goroutine. It returns once the listener is closed; it does not
// wait for connection loops, each of which exits on its own when its
// client disconnects or when it finds ctx cancelled before reading its
// next request.
func (s *Server) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		s.listener.Close()
		close(done)
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-done:
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tag, body, err := ReadRequest(conn)
		if err != nil {
			return // client closed the connection, or it is no longer well-formed
		}

		status, resp := s.dispatch(tag, body)
		if err := WriteResponse(conn, status, resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(tag Tag, body []byte) (Status, []byte) {
	switch tag {
	case TagListConflicts:
		return s.listConflicts()
	case TagChange:
		return s.change(body)
	case TagResolve:
		return s.resolve(body)
	default:
		return errorResponse(model.ErrCodeUnknown)
	}
}

func (s *Server) listConflicts() (Status, []byte) {
	records, err := s.store.ListConflicts()
	if err != nil {
		s.logger.Error("list conflicts failed", zap.Error(err))
		return errorResponse(model.ErrCodeUnknown)
	}

	entries := make([]conflictEntry, 0, len(records))
	for _, r := range records {
		initial, _, err := s.store.GetInitial(r.Key)
		if err != nil {
			s.logger.Error("loading initial document failed", zap.Error(err))
			return errorResponse(model.ErrCodeUnknown)
		}
		var initialMap map[string]string
		if initial != nil {
			initialMap = initial.AsMap()
		}
		ops := make([]opEntry, 0, len(r.Ops))
		for _, op := range r.Ops {
			ops = append(ops, opEntry{
				ID: string(op.ID), Kind: string(op.Op.Kind), Path: []string(op.Op.Path),
				Value: op.Op.Value, Accepted: op.Accepted,
			})
		}
		entries = append(entries, conflictEntry{
			InternalKey: r.Key.String(), Entity: string(r.Key.Entity),
			Initial: initialMap, DiffID: string(r.DiffID), Ops: ops,
		})
	}

	encoded, err := json.Marshal(entries)
	if err != nil {
		return errorResponse(model.ErrCodeUnknown)
	}
	return StatusOK, encoded
}

func (s *Server) change(body []byte) (Status, []byte) {
	var req changeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return errorResponse(model.ErrCodeDecode)
	}
	if req.Entity == "" || req.Source == "" || req.FID == "" {
		return errorResponse(model.ErrCodeDecode)
	}

	item := model.WorkItem{
		Kind: model.Process,
		Notification: model.ChangeNotification{
			Entity: model.EntityName(req.Entity), Source: model.SourceName(req.Source), FID: req.FID,
		},
	}
	if err := s.store.Enqueue(item); err != nil {
		s.logger.Error("enqueue failed", zap.Error(err))
		return errorResponse(model.ErrCodeUnknown)
	}
	return StatusOK, nil
}

func (s *Server) resolve(body []byte) (Status, []byte) {
	var req resolveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return errorResponse(model.ErrCodeDecode)
	}
	if req.DiffID == "" {
		return errorResponse(model.ErrCodeDecode)
	}

	diffID := model.DiffID(req.DiffID)
	diff, err := s.selectedDiff(diffID, req.OpIDs)
	if err != nil {
		var resolved *model.ConflictResolved
		if errors.As(err, &resolved) {
			return errorResponse(model.ErrCodeUnknown)
		}
		return errorResponse(model.ErrCodeDecode)
	}

	item := model.WorkItem{Kind: model.Apply, DiffID: diffID, Diff: diff}
	if err := s.store.Enqueue(item); err != nil {
		s.logger.Error("enqueue failed", zap.Error(err))
		return errorResponse(model.ErrCodeUnknown)
	}
	return StatusOK, nil
}

// selectedDiff validates that every requested DiffOpID belongs to
// diffID (invariant 5) and builds the Diff containing exactly those
// operations, for the worker's Apply step to mutate sources with.
func (s *Server) selectedDiff(diffID model.DiffID, opIDs []string) (diffop.Diff[diffop.Unit], error) {
	record, _, ok, err := s.store.GetConflict(diffID)
	if err != nil {
		return diffop.Diff[diffop.Unit]{}, &model.StoreUnavailable{Cause: err}
	}
	if !ok || record.IsResolved() {
		return diffop.Diff[diffop.Unit]{}, &model.ConflictResolved{DiffID: diffID}
	}

	byID := make(map[model.DiffOpID]diffop.Op[diffop.Unit], len(record.Ops))
	for _, op := range record.Ops {
		byID[op.ID] = op.Op
	}

	ops := make([]diffop.Op[diffop.Unit], 0, len(opIDs))
	for _, raw := range opIDs {
		op, present := byID[model.DiffOpID(raw)]
		if !present {
			return diffop.Diff[diffop.Unit]{}, &model.ProtocolError{Code: model.ErrCodeDecode}
		}
		ops = append(ops, op)
	}
	return diffop.Diff[diffop.Unit]{Ops: ops}, nil
}

func errorResponse(code model.ErrorCode) (Status, []byte) {
	return StatusError, []byte{byte(code)}
}
