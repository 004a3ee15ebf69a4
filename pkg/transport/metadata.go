// Metadata RPC: the remote half of the Metadata Coordinator & Client's
// quorum protocol (spec.md §4.G, supplemented by §4.Q "a second, lower-
// level peer RPC... for the metadata file timeline"). It reuses the same
// net/http server/client split as the insert transport rather than
// introducing a second protocol, since both carry small JSON-ish
// request/response pairs with no streaming requirement.
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

	"github.com/zhengshuxin/eventql/pkg/errs"
	"github.com/zhengshuxin/eventql/pkg/metaclient"
	"github.com/zhengshuxin/eventql/pkg/metadatafile"
)

const (
	metadataPutPath    = "/eventql/metadata/put"
	metadataDeletePath = "/eventql/metadata/delete"
	metadataFetchPath  = "/eventql/metadata/fetch"
	metadataCASPath    = "/eventql/metadata/cas"
)

func wireFile(f *metadatafile.File) ([]byte, error) {
	var buf bytes.Buffer
	if err := f.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unwireFile(raw []byte) (*metadatafile.File, error) {
	return metadatafile.Decode(bytes.NewReader(raw))
}

// mountMetadataRoutes mounts the remote Peer endpoints against a local
// metaclient.Peer (normally a *metaclient.LocalPeer), so a remote
// metaclient.Client reaches this server's metadata authority the same way
// the insert transport reaches this server's partitions.
func (s *Server) mountMetadataRoutes(mux *http.ServeMux, peer metaclient.Peer) {
	mux.HandleFunc(metadataPutPath, func(w http.ResponseWriter, r *http.Request) {
		ns, table := r.URL.Query().Get("namespace"), r.URL.Query().Get("table")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read error", http.StatusBadRequest)
			return
		}
		file, err := unwireFile(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := peer.PutFile(r.Context(), ns, table, file); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc(metadataDeletePath, func(w http.ResponseWriter, r *http.Request) {
		ns, table := r.URL.Query().Get("namespace"), r.URL.Query().Get("table")
		txnID, err := decodeTxnID(r.URL.Query().Get("txnid"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := peer.DeleteFile(r.Context(), ns, table, txnID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc(metadataFetchPath, func(w http.ResponseWriter, r *http.Request) {
		ns, table := r.URL.Query().Get("namespace"), r.URL.Query().Get("table")
		file, err := peer.FetchLatest(r.Context(), ns, table)
		if err != nil {
			if errs.IsNotFound(err) {
				http.Error(w, err.Error(), http.StatusNotFound)
			} else {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		raw, err := wireFile(file)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(raw)
	})

	mux.HandleFunc(metadataCASPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		ns, table := q.Get("namespace"), q.Get("table")
		prevTxnID, err := decodeTxnID(q.Get("prev_txnid"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var prevSeq uint64
		if _, err := fmt.Sscanf(q.Get("prev_seq"), "%d", &prevSeq); err != nil {
			http.Error(w, "invalid prev_seq", http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read error", http.StatusBadRequest)
			return
		}
		newFile, err := unwireFile(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := peer.CompareAndSwap(r.Context(), ns, table, prevTxnID, prevSeq, newFile); err != nil {
			if errs.IsBadVersion(err) {
				http.Error(w, err.Error(), http.StatusConflict)
			} else {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func decodeTxnID(hexStr string) ([20]byte, error) {
	var id [20]byte
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != 20 {
		return id, errs.New(errs.IllegalArgument, "transport: malformed txnid")
	}
	copy(id[:], raw)
	return id, nil
}

// HTTPPeer implements metaclient.Peer over the metadata RPC endpoints of a
// remote server, the networked counterpart to metaclient.LocalPeer.
type HTTPPeer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPPeer builds a Peer against addr (host:port, no scheme).
func NewHTTPPeer(addr string) *HTTPPeer {
	return &HTTPPeer{baseURL: "http://" + addr, client: &http.Client{Timeout: 30 * time.Second}}
}

func (p *HTTPPeer) PutFile(ctx context.Context, ns, table string, file *metadatafile.File) error {
	raw, err := wireFile(file)
	if err != nil {
		return err
	}
	u := p.baseURL + metadataPutPath + "?" + url.Values{"namespace": {ns}, "table": {table}}.Encode()
	return p.doVoid(ctx, http.MethodPost, u, raw)
}

func (p *HTTPPeer) DeleteFile(ctx context.Context, ns, table string, txnID [20]byte) error {
	u := p.baseURL + metadataDeletePath + "?" + url.Values{
		"namespace": {ns}, "table": {table}, "txnid": {hex.EncodeToString(txnID[:])},
	}.Encode()
	return p.doVoid(ctx, http.MethodPost, u, nil)
}

func (p *HTTPPeer) FetchLatest(ctx context.Context, ns, table string) (*metadatafile.File, error) {
	u := p.baseURL + metadataFetchPath + "?" + url.Values{"namespace": {ns}, "table": {table}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Io, err, "transport: build request")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.Io, err, "transport: fetch latest")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, errs.New(errs.NotFound, "transport: peer has no metadata file")
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return nil, errs.New(errs.Io, fmt.Sprintf("transport: fetch latest failed: %s: %s", resp.Status, string(detail)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.Io, err, "transport: read response")
	}
	return unwireFile(body)
}

func (p *HTTPPeer) CompareAndSwap(ctx context.Context, ns, table string, prevTxnID [20]byte, prevSeq uint64, newFile *metadatafile.File) error {
	raw, err := wireFile(newFile)
	if err != nil {
		return err
	}
	u := p.baseURL + metadataCASPath + "?" + url.Values{
		"namespace": {ns}, "table": {table},
		"prev_txnid": {hex.EncodeToString(prevTxnID[:])},
		"prev_seq":   {fmt.Sprintf("%d", prevSeq)},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(raw))
	if err != nil {
		return errs.Wrap(errs.Io, err, "transport: build request")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.Io, err, "transport: cas request")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return errs.New(errs.BadVersion, "transport: peer rejected compare-and-swap")
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return errs.New(errs.Io, fmt.Sprintf("transport: cas failed: %s: %s", resp.Status, string(detail)))
	}
	return nil
}

func (p *HTTPPeer) doVoid(ctx context.Context, method, u string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return errs.Wrap(errs.Io, err, "transport: build request")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.Io, err, "transport: request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return errs.New(errs.Io, fmt.Sprintf("transport: request failed: %s: %s", resp.Status, string(detail)))
	}
	return nil
}

var _ metaclient.Peer = (*HTTPPeer)(nil)
