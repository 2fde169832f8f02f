package jta

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/Aidin1998/localxa/internal/sqlconn"
	"github.com/Aidin1998/localxa/internal/xa"
	"github.com/Aidin1998/localxa/pkg/metrics"
)

// DataSource hands out enlisting connections to one database. The database
// is one resource manager: every connection from a DataSource is enlisted
// through the same LocalResource.
type DataSource struct {
	db       *sql.DB
	resource *xa.LocalResource
	handoff  *Handoff
	supplier TransactionSupplier
	registry SynchronizationRegistry

	name         string
	interposed   bool
	strict       bool
	isolation    sql.IsolationLevel
	logger       *zap.Logger
	metrics      *metrics.XAMetrics
	resourceOpts []xa.Option
}

// DataSourceOption configures a DataSource.
type DataSourceOption func(*DataSource)

// WithHandoff shares h with other data sources. By default each DataSource
// has its own.
func WithHandoff(h *Handoff) DataSourceOption {
	return func(d *DataSource) { d.handoff = h }
}

// WithInterposedSynchronizations chooses between interposed (default) and
// plain synchronizations for restoring closeability.
func WithInterposedSynchronizations(interposed bool) DataSourceOption {
	return func(d *DataSource) { d.interposed = interposed }
}

// WithStrictClosedChecking toggles strict closed checking (default on).
func WithStrictClosedChecking(strict bool) DataSourceOption {
	return func(d *DataSource) { d.strict = strict }
}

// WithDataSourceName names the data source and its resource.
func WithDataSourceName(name string) DataSourceOption {
	return func(d *DataSource) { d.name = name }
}

// WithDataSourceIsolation sets the isolation level of local transactions.
func WithDataSourceIsolation(level sql.IsolationLevel) DataSourceOption {
	return func(d *DataSource) { d.isolation = level }
}

func WithDataSourceLogger(logger *zap.Logger) DataSourceOption {
	return func(d *DataSource) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithDataSourceMetrics(m *metrics.XAMetrics) DataSourceOption {
	return func(d *DataSource) { d.metrics = m }
}

// WithResourceOptions passes options through to the LocalResource.
func WithResourceOptions(opts ...xa.Option) DataSourceOption {
	return func(d *DataSource) { d.resourceOpts = append(d.resourceOpts, opts...) }
}

// NewDataSource creates a DataSource over db.
func NewDataSource(db *sql.DB, supplier TransactionSupplier, registry SynchronizationRegistry, opts ...DataSourceOption) *DataSource {
	d := &DataSource{
		db:         db,
		supplier:   supplier,
		registry:   registry,
		name:       "datasource",
		interposed: true,
		strict:     true,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.handoff == nil {
		d.handoff = NewHandoff(d.metrics)
	}
	d.logger = d.logger.With(zap.String("datasource", d.name))

	resourceOpts := append([]xa.Option{
		xa.WithLogger(d.logger),
		xa.WithMetrics(d.metrics),
		xa.WithName(d.name),
	}, d.resourceOpts...)
	d.resource = xa.NewLocalResource(d.handoff.Connection, resourceOpts...)
	return d
}

// Conn checks a connection out of the pool. Closing it returns it to the
// pool, after the enclosing transaction completes if it is enlisted.
func (d *DataSource) Conn(ctx context.Context) (*Connection, error) {
	raw, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkout connection from %s: %w", d.name, err)
	}
	local := sqlconn.NewLocalConn(raw, sqlconn.WithIsolation(d.isolation))
	return NewConnection(local, ConnectionConfig{
		Resource:             d.resource,
		Handoff:              d.handoff,
		Supplier:             d.supplier,
		Registry:             d.registry,
		Interposed:           d.interposed,
		StrictClosedChecking: d.strict,
		Logger:               d.logger,
		Metrics:              d.metrics,
	}), nil
}

// Resource returns the resource manager adapter of this data source.
func (d *DataSource) Resource() *xa.LocalResource { return d.resource }

// Handoff returns the hand-off the data source enlists through.
func (d *DataSource) Handoff() *Handoff { return d.handoff }

// Name returns the data source name.
func (d *DataSource) Name() string { return d.name }
