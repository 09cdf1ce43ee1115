package etherscan

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/invoice-orchestrator/internal/port"
)

// stubHTTPClient answers by API action so one stub can serve both the
// transaction and the receipt call of a single Lookup.
type stubHTTPClient struct {
	responses map[string]string // action -> body
	status    int
}

func (s *stubHTTPClient) Do(req *http.Request) (*http.Response, error) {
	action := req.URL.Query().Get("action")
	body, ok := s.responses[action]
	if !ok {
		body = `{}`
	}
	status := s.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}, nil
}

func newTestClient(stub *stubHTTPClient) *Client {
	c := NewClient("https://api.etherscan.io", "test-key", zap.NewNop())
	c.httpClient = stub
	return c
}

func TestLookupConfirmed(t *testing.T) {
	c := newTestClient(&stubHTTPClient{responses: map[string]string{
		// 1 ETH in wei
		"eth_getTransactionByHash": `{"result":{"blockNumber":"0x1a2b3c","value":"0xde0b6b3a7640000"}}`,
		"gettxreceiptstatus":       `{"status":"1","message":"OK","result":{"status":"1"}}`,
	}})

	got, err := c.Lookup(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, port.PaymentConfirmed, got.Status)
	assert.InDelta(t, 1.0, got.Amount, 1e-9)
	assert.Equal(t, "ETH", got.Currency)
}

func TestLookupPendingInMempool(t *testing.T) {
	c := newTestClient(&stubHTTPClient{responses: map[string]string{
		"eth_getTransactionByHash": `{"result":{"blockNumber":"","value":"0x0"}}`,
	}})

	got, err := c.Lookup(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, port.PaymentPending, got.Status)
}

func TestLookupUnknownHash(t *testing.T) {
	c := newTestClient(&stubHTTPClient{responses: map[string]string{
		"eth_getTransactionByHash": `{"result":null}`,
	}})

	got, err := c.Lookup(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, port.PaymentNotFound, got.Status)
}

func TestLookupRevertedTransaction(t *testing.T) {
	c := newTestClient(&stubHTTPClient{responses: map[string]string{
		"eth_getTransactionByHash": `{"result":{"blockNumber":"0x1a2b3c","value":"0x0"}}`,
		"gettxreceiptstatus":       `{"status":"1","message":"OK","result":{"status":"0"}}`,
	}})

	got, err := c.Lookup(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, port.PaymentNotFound, got.Status)
}

func TestLookupHTTPError(t *testing.T) {
	c := newTestClient(&stubHTTPClient{status: http.StatusBadGateway})

	_, err := c.Lookup(context.Background(), "0xabc")
	assert.Error(t, err)
}

func TestWeiToEther(t *testing.T) {
	assert.InDelta(t, 1.0, weiToEther("0xde0b6b3a7640000"), 1e-9)
	assert.InDelta(t, 0.0, weiToEther("0x0"), 1e-9)
	assert.Equal(t, 0.0, weiToEther("not-hex"))
}
