package store

import "testing"

func TestPoolConfigValidate(t *testing.T) {
	ok := []string{"pg", "pgsql", "postgres", "pg+tsearch2", "pgsql+tsearch2", "postgres+tsearch2"}
	for _, backend := range ok {
		if err := (PoolConfig{Backend: backend}).validate(); err != nil {
			t.Errorf("validate(%q): unexpected error %v", backend, err)
		}
	}

	bad := []string{"", "mysql", "sqlite", "postgresql"}
	for _, backend := range bad {
		if err := (PoolConfig{Backend: backend}).validate(); err == nil {
			t.Errorf("validate(%q): expected an error", backend)
		}
	}
}

func TestQueryResolve(t *testing.T) {
	q := newQuery("select 1")
	if q.State() != QueryPending {
		t.Fatalf("expected a fresh query to be pending, got %v", q.State())
	}

	q.resolve(nil)
	if q.State() != QueryDone {
		t.Fatalf("expected resolve(nil) to mark the query done, got %v", q.State())
	}
	select {
	case <-q.done:
	default:
		t.Fatalf("expected done channel to be closed")
	}
}

func TestQueryResolveError(t *testing.T) {
	q := newQuery("select 1")
	werr := errTest
	q.resolve(werr)
	if q.State() != QueryFailed {
		t.Fatalf("expected resolve(err) to mark the query failed, got %v", q.State())
	}
	if q.Err() != werr {
		t.Fatalf("Err() = %v, want %v", q.Err(), werr)
	}
}

var errTest = testError("boom")

type testError string

func (e testError) Error() string { return string(e) }
