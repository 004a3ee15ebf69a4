package transport

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zhengshuxin/eventql/pkg/ingest"
)

var errFail = errors.New("apply failed")

func TestHTTPTarget_RoundTripsRecordsToServer(t *testing.T) {
	var gotNS, gotTable string
	var gotPID [20]byte
	var gotRecords []ingest.ShreddedRecord

	srv := NewServer(func(_ context.Context, ns, table string, pid [20]byte, records []ingest.ShreddedRecord) error {
		gotNS, gotTable, gotPID, gotRecords = ns, table, pid, records
		return nil
	}, zerolog.Nop())

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	target := NewHTTPTarget(ts.Listener.Addr().String())
	pid := [20]byte{0xAB, 0xCD}
	records := []ingest.ShreddedRecord{
		{ID: [20]byte{1}, Values: map[string]interface{}{"v": float64(1)}},
	}
	err := target.Insert(context.Background(), "ns1", "t1", pid, records)
	require.NoError(t, err)
	require.Equal(t, "ns1", gotNS)
	require.Equal(t, "t1", gotTable)
	require.Equal(t, pid, gotPID)
	require.Len(t, gotRecords, 1)
	require.Equal(t, [20]byte{1}, gotRecords[0].ID)
}

func TestHTTPTarget_PropagatesApplyFailureAsError(t *testing.T) {
	srv := NewServer(func(_ context.Context, _, _ string, _ [20]byte, _ []ingest.ShreddedRecord) error {
		return errFail
	}, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	target := NewHTTPTarget(ts.Listener.Addr().String())
	err := target.Insert(context.Background(), "ns1", "t1", [20]byte{1}, nil)
	require.Error(t, err)
}
