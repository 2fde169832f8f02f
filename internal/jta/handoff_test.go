package jta_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/localxa/internal/jta"
	"github.com/Aidin1998/localxa/internal/xa"
	"github.com/Aidin1998/localxa/pkg/metrics"
)

// stubConn is the smallest xa.Conn; it only tracks autocommit.
type stubConn struct {
	mu         sync.Mutex
	id         int
	autoCommit bool
}

func (c *stubConn) AutoCommit(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoCommit, nil
}

func (c *stubConn) SetAutoCommit(_ context.Context, v bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoCommit = v
	return nil
}

func (c *stubConn) ReadOnly(context.Context) (bool, error) { return false, nil }
func (c *stubConn) Commit(context.Context) error           { return nil }
func (c *stubConn) Rollback(context.Context) error         { return nil }

func TestHandoffExchangesConnectionForXid(t *testing.T) {
	ctx := context.Background()
	m := metrics.NewXAMetrics(prometheus.NewRegistry())
	h := jta.NewHandoff(m)
	r := xa.NewLocalResource(h.Connection, xa.WithLogger(zaptest.NewLogger(t)), xa.WithMetrics(m))

	const n = 16
	var wg sync.WaitGroup
	type result struct {
		want, got xa.Xid
		err       error
	}
	results := make(chan result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := xa.MustXid(1, []byte("gtrid"), []byte(fmt.Sprintf("b%d", i)))
			conn := &stubConn{id: i, autoCommit: true}
			got, enlisted, err := h.Exchange(conn, func() (bool, error) {
				return true, r.Start(ctx, want, xa.TMNoFlags)
			})
			if err == nil && !enlisted {
				err = errors.New("not enlisted")
			}
			results <- result{want: want, got: got, err: err}
		}(i)
	}
	wg.Wait()
	close(results)

	for res := range results {
		require.NoError(t, res.err)
		assert.Equal(t, res.want, res.got)
		assert.Equal(t, xa.StateActive, r.State(res.want))
	}
	assert.Equal(t, n, r.ActiveBranches())
	assert.Equal(t, float64(n), testutil.ToFloat64(m.BranchesActive))
}

func TestHandoffFailures(t *testing.T) {
	ctx := context.Background()
	h := jta.NewHandoff(nil)

	_, err := h.Connection(ctx, xa.MustXid(1, []byte("g"), nil))
	assert.Error(t, err, "nothing on loan outside an exchange")

	enlistErr := errors.New("refused")
	_, enlisted, err := h.Exchange(&stubConn{}, func() (bool, error) { return false, enlistErr })
	assert.ErrorIs(t, err, enlistErr)
	assert.False(t, enlisted)

	_, enlisted, err = h.Exchange(&stubConn{}, func() (bool, error) { return false, nil })
	assert.NoError(t, err)
	assert.False(t, enlisted)

	// Enlisted without anyone taking the connection.
	_, enlisted, err = h.Exchange(&stubConn{}, func() (bool, error) { return true, nil })
	assert.Error(t, err)
	assert.True(t, enlisted)

	// The slot is single use.
	_, _, err = h.Exchange(&stubConn{}, func() (bool, error) {
		xid := xa.MustXid(1, []byte("g"), nil)
		if _, err := h.Connection(ctx, xid); err != nil {
			return false, err
		}
		_, err := h.Connection(ctx, xid)
		return err == nil, err
	})
	assert.Error(t, err)
}
