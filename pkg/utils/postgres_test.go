package utils

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestPostgresPoolConfig_Defaults(t *testing.T) {
	c := PostgresPoolConfig{}.withDefaults()
	if c.MaxOpenConns != 10 || c.MaxIdleConns != 5 {
		t.Fatalf("unexpected pool sizes: %+v", c)
	}
	if c.PingTimeout != 5*time.Second {
		t.Fatalf("unexpected ping timeout %s", c.PingTimeout)
	}
}

func TestPostgresPoolConfig_KeepsExplicitValues(t *testing.T) {
	c := PostgresPoolConfig{MaxOpenConns: 3, PingTimeout: time.Second}.withDefaults()
	if c.MaxOpenConns != 3 || c.PingTimeout != time.Second {
		t.Fatalf("explicit values overwritten: %+v", c)
	}
	if c.MaxIdleConns != 3 {
		t.Fatalf("expected idle conns capped at max open, got %d", c.MaxIdleConns)
	}
}

func TestIsRetryableTxError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&pgconn.PgError{Code: "40001"}, true},
		{fmt.Errorf("calls: update: %w", &pgconn.PgError{Code: "40P01"}), true},
		{&pgconn.PgError{Code: "23505"}, false},
		{errors.New("connection reset"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := IsRetryableTxError(tc.err); got != tc.want {
			t.Fatalf("IsRetryableTxError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
