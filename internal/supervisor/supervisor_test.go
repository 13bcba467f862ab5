package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestDefaultPredictiveModelIsAffine(t *testing.T) {
	m := defaultPredictiveModel()
	got, err := m.PredictBoilerDiff(90, 80, 100)
	if err != nil {
		t.Fatalf("PredictBoilerDiff: %v", err)
	}
	want := m.Bias + m.GroupheadCoeff*90 + m.BoilerCoeff*80 + m.HeatLoadCoeff*100
	if got != want {
		t.Fatalf("predicted diff = %v, want %v", got, want)
	}
}

func TestComponentStopBlocksUntilRunReturns(t *testing.T) {
	release := make(chan struct{})
	c := start("probe", func(ctx context.Context) {
		<-ctx.Done()
		close(release)
	})

	stopped := make(chan struct{})
	go func() { c.stop(); close(stopped) }()

	select {
	case <-stopped:
		t.Fatal("stop() returned before the component's run func exited")
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case <-release:
	case <-time.After(2 * time.Second):
		t.Fatal("run func never observed cancellation")
	}
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop() did not return after run func exited")
	}
}

func TestWaitForShutdownSignalReturnsOnParentCancellation(t *testing.T) {
	s := &Supervisor{log: testLogger()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	returned := make(chan struct{})
	go func() { s.waitForShutdownSignal(ctx); close(returned) }()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("waitForShutdownSignal did not return after context cancellation")
	}
}
