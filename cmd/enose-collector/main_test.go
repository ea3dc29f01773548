package main

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/enose-collector/internal/metrics"
	"github.com/chaz8081/enose-collector/internal/packet"
	"github.com/chaz8081/enose-collector/internal/schema"
)

func TestServeMetricsFailureKeepsCollecting(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ln.Close() // Serve fails immediately on a closed listener

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	served := make(chan struct{})
	g.Go(func() error {
		defer close(served)
		return serveMetrics(gctx, metrics.New(nil), ln)
	})
	collecting := make(chan struct{})
	g.Go(func() error {
		defer close(collecting)
		<-gctx.Done()
		return nil
	})

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("serveMetrics() did not return on a failed listener")
	}
	select {
	case <-collecting:
		t.Fatal("metrics failure cancelled the collection loop")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	if err := g.Wait(); err != nil {
		t.Errorf("Wait() error = %v, want nil", err)
	}
}

// closeTrackingSink fails EnsureHeader and records Close.
type closeTrackingSink struct {
	headerErr error
	closed    int
}

func (s *closeTrackingSink) EnsureHeader(*schema.Schema) error { return s.headerErr }
func (s *closeTrackingSink) Append(packet.Record) error        { return nil }
func (s *closeTrackingSink) Close() error {
	s.closed++
	return nil
}

func TestPrepareOutputClosesSinkOnFailure(t *testing.T) {
	snk := &closeTrackingSink{headerErr: errors.New("header mismatch")}
	if _, err := prepareOutput(schema.Legacy(), snk, nil); err == nil {
		t.Fatal("prepareOutput() should fail when the header cannot be ensured")
	}
	if snk.closed != 1 {
		t.Errorf("sink closed %d times, want 1", snk.closed)
	}
}

func TestPrepareOutput(t *testing.T) {
	snk := &closeTrackingSink{}
	col, err := prepareOutput(schema.Legacy(), snk, nil)
	if err != nil {
		t.Fatalf("prepareOutput() error = %v", err)
	}
	if col == nil {
		t.Fatal("prepareOutput() returned a nil collector")
	}
	if snk.closed != 0 {
		t.Errorf("sink closed %d times, want 0", snk.closed)
	}
}
