package fetcher

import (
	"context"
	"testing"
)

func TestOracleMissingConfig(t *testing.T) {
	o := NewOracle(OracleOptions{}, noopLogger())
	if _, err := o.SpotPrice(context.Background()); err == nil {
		t.Fatal("expected error when rpc url is not configured")
	}

	o = NewOracle(OracleOptions{RPCURL: "http://localhost"}, noopLogger())
	if _, err := o.SpotPrice(context.Background()); err == nil {
		t.Fatal("expected error when feed address is missing")
	}
}
