package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/warden-sh/warden/internal/history"
)

// Sink appends lifecycle entries to ClickHouse over the native protocol.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects to addr (host:port) and writes into table, which must exist
// with columns (kind String, occurred_at DateTime64, pid Int64,
// message String).
func New(addr, table string) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
			Password: "",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping ClickHouse: %w", err)
	}
	return &Sink{conn: conn, table: table}, nil
}

func (s *Sink) Send(ctx context.Context, e history.Entry) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (kind, occurred_at, pid, message) VALUES (?, ?, ?, ?)`, s.table)
	if err := s.conn.Exec(ctx, query, e.Kind, e.OccurredAt, int64(e.PID), e.Message); err != nil {
		return fmt.Errorf("insert into ClickHouse: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
