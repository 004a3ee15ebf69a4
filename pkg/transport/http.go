// Package transport implements the internal insert transport of spec.md
// §6: POST /tsdb/replicate?namespace=<ns>&table=<t>&partition=<hex_pid>
// carrying a shredded-record list, 201 Created on success. The handler/
// client split and zerolog request logging are grounded on the teacher's
// pkg/ingress/proxy.go and pkg/ingress/middleware.go, which serve a plain
// net/http reverse proxy rather than reaching for a third-party router.
package transport

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhengshuxin/eventql/pkg/errs"
	"github.com/zhengshuxin/eventql/pkg/ingest"
	"github.com/zhengshuxin/eventql/pkg/metaclient"
	"github.com/zhengshuxin/eventql/pkg/metrics"
)

const insertPath = "/tsdb/replicate"

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

// wireRecord is the JSON wire form of one ingest.ShreddedRecord.
type wireRecord struct {
	ID     string                 `json:"id"`
	Values map[string]interface{} `json:"values"`
}

func toWire(records []ingest.ShreddedRecord) []wireRecord {
	out := make([]wireRecord, len(records))
	for i, r := range records {
		out[i] = wireRecord{ID: hex.EncodeToString(r.ID[:]), Values: r.Values}
	}
	return out
}

func fromWire(wire []wireRecord) ([]ingest.ShreddedRecord, error) {
	out := make([]ingest.ShreddedRecord, len(wire))
	for i, w := range wire {
		raw, err := hex.DecodeString(w.ID)
		if err != nil || len(raw) != 20 {
			return nil, errs.New(errs.Corruption, "transport: malformed record id")
		}
		var id [20]byte
		copy(id[:], raw)
		out[i] = ingest.ShreddedRecord{ID: id, Values: w.Values}
	}
	return out, nil
}

// LocalInsertFunc applies an already-decoded batch to a local partition.
type LocalInsertFunc func(ctx context.Context, ns, table string, partitionID [20]byte, records []ingest.ShreddedRecord) error

// Server handles the insert transport's HTTP side, dispatching decoded
// batches to a local applier (normally an lsm.Writer registry).
type Server struct {
	apply LocalInsertFunc
	peer  metaclient.Peer
	log   zerolog.Logger
}

// NewServer builds a Server that applies decoded batches via apply.
func NewServer(apply LocalInsertFunc, log zerolog.Logger) *Server {
	return &Server{apply: apply, log: log}
}

// WithMetadataPeer additionally mounts the metadata RPC endpoints against
// peer (normally this server's *metaclient.LocalPeer), so other servers'
// metaclient.Client instances can reach this server's metadata authority.
func (s *Server) WithMetadataPeer(peer metaclient.Peer) *Server {
	s.peer = peer
	return s
}

// Handler returns the http.Handler mounting the insert transport and,
// if WithMetadataPeer was called, the metadata RPC endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(insertPath, s.handleReplicate)
	if s.peer != nil {
		s.mountMetadataRoutes(mux, s.peer)
	}
	return mux
}

// statusWriter records the status code written, for metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleReplicate(rw http.ResponseWriter, r *http.Request) {
	w := &statusWriter{ResponseWriter: rw, code: http.StatusOK}
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReplicateRequestDuration)
		metrics.ReplicateRequestsTotal.WithLabelValues(statusClass(w.code)).Inc()
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	ns, table, pidHex := q.Get("namespace"), q.Get("table"), q.Get("partition")
	pidRaw, err := hex.DecodeString(pidHex)
	if err != nil || len(pidRaw) != 20 {
		http.Error(w, "invalid partition id", http.StatusBadRequest)
		return
	}
	var pid [20]byte
	copy(pid[:], pidRaw)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	var wire []wireRecord
	if err := json.Unmarshal(body, &wire); err != nil {
		http.Error(w, "decode error", http.StatusBadRequest)
		return
	}
	records, err := fromWire(wire)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.apply(r.Context(), ns, table, pid, records); err != nil {
		s.log.Warn().Err(err).Str("namespace", ns).Str("table", table).Msg("replicate apply failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// HTTPTarget implements ingest.Target over the insert transport, used to
// reach a remote replica (spec.md §4.H "a remote target is invoked over
// the internal insert transport").
type HTTPTarget struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTarget builds a Target against addr (host:port, no scheme).
func NewHTTPTarget(addr string) *HTTPTarget {
	return &HTTPTarget{
		baseURL: "http://" + addr,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *HTTPTarget) Insert(ctx context.Context, ns, table string, partitionID [20]byte, records []ingest.ShreddedRecord) error {
	body, err := json.Marshal(toWire(records))
	if err != nil {
		return errs.Wrap(errs.Io, err, "transport: encode records")
	}

	u := t.baseURL + insertPath + "?" + url.Values{
		"namespace": {ns},
		"table":     {table},
		"partition": {hex.EncodeToString(partitionID[:])},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.Io, err, "transport: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.Io, err, "transport: insert request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		detail, _ := io.ReadAll(resp.Body)
		return errs.New(errs.Io, fmt.Sprintf("transport: replicate failed: %s: %s", resp.Status, string(detail)))
	}
	return nil
}
