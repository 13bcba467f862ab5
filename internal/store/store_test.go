package store

import (
	"path/filepath"
	"testing"
	"time"

	"gesha/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "gesha.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWriteConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if err := s.WriteConfig(types.ConfigItem{Key: types.ConfigKeyTargetTemperature, Value: "95"}); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}
	cfg, err := s.ReadConfig()
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if cfg[types.ConfigKeyTargetTemperature] != "95" {
		t.Fatalf("got %q, want 95", cfg[types.ConfigKeyTargetTemperature])
	}

	// UPSERT overwrites.
	if err := s.WriteConfig(types.ConfigItem{Key: types.ConfigKeyTargetTemperature, Value: "93"}); err != nil {
		t.Fatalf("WriteConfig overwrite: %v", err)
	}
	cfg, _ = s.ReadConfig()
	if cfg[types.ConfigKeyTargetTemperature] != "93" {
		t.Fatalf("got %q, want 93 after overwrite", cfg[types.ConfigKeyTargetTemperature])
	}
}

func TestReadMeasurementsServesPendingBuffer(t *testing.T) {
	s := openTestStore(t)
	s.WriteMeasurementEnqueue(types.Measurement{TimeMs: 100, BoilerTempC: 90})
	s.WriteMeasurementEnqueue(types.Measurement{TimeMs: 200, BoilerTempC: 91})

	got, err := s.ReadMeasurements(types.Range{FromMs: 0, ToMs: 1000})
	if err != nil {
		t.Fatalf("ReadMeasurements: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].TimeMs != 100 || got[1].TimeMs != 200 {
		t.Fatalf("not ascending: %+v", got)
	}
}

func TestReadMeasurementsMergesPersistedAndPendingAscending(t *testing.T) {
	s := openTestStore(t)
	s.WriteMeasurementEnqueue(types.Measurement{TimeMs: 50, BoilerTempC: 80})
	s.drain() // force persistence of the first batch

	s.WriteMeasurementEnqueue(types.Measurement{TimeMs: 150, BoilerTempC: 85})

	got, err := s.ReadMeasurements(types.Range{FromMs: 0, ToMs: 1000})
	if err != nil {
		t.Fatalf("ReadMeasurements: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (1 persisted + 1 pending)", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].TimeMs < got[i-1].TimeMs {
			t.Fatalf("not non-decreasing: %+v", got)
		}
	}
}

func TestWriteShotComputesBoilerAverageAndFailsWhenEmpty(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.WriteShot(1000, 2000); err == nil {
		t.Fatal("expected NoMeasurementsInRange, got nil")
	}

	samples := []float32{94, 94.5, 95, 95.5, 96, 94.2, 95.8, 94.9, 95.1, 95.0}
	for i, v := range samples {
		s.WriteMeasurementEnqueue(types.Measurement{
			TimeMs: 1000 + int64(i)*100, BoilerTempC: v, GroupheadTempC: v - 2, Pull: true,
		})
	}

	shot, err := s.WriteShot(1000, 2000)
	if err != nil {
		t.Fatalf("WriteShot: %v", err)
	}
	if shot.StartTimeMs != 1000 || shot.EndTimeMs != 2000 || shot.TotalTimeMs != 1000 {
		t.Fatalf("unexpected shot timing: %+v", shot)
	}

	var sum float32
	for _, v := range samples {
		sum += v
	}
	want := sum / float32(len(samples))
	if diff := want - shot.BrewTempAverageC; diff > 0.01 || diff < -0.01 {
		t.Fatalf("brew avg = %v, want %v", shot.BrewTempAverageC, want)
	}

	shots, err := s.ReadShots(types.Range{FromMs: 0, ToMs: 3000})
	if err != nil {
		t.Fatalf("ReadShots: %v", err)
	}
	if len(shots) != 1 {
		t.Fatalf("len(shots) = %d, want 1", len(shots))
	}
}

func TestBucketedHistoryMedianPerWindow(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 100; i++ {
		s.WriteMeasurementEnqueue(types.Measurement{TimeMs: int64(i) * 100, BoilerTempC: float32(i)})
	}

	bucket := int64(1000)
	got, err := s.ReadMeasurements(types.Range{FromMs: 0, ToMs: 10000, BucketSizeMs: &bucket})
	if err != nil {
		t.Fatalf("ReadMeasurements: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("len = %d, want 10 buckets", len(got))
	}
	// Each window [10k..10k+9] has median 10k+5 (upper median at index 5). The
	// sample at time 0 is excluded (from is exclusive), so the first window
	// holds 1..9, whose middle element is also 5.
	for i, m := range got {
		want := float32(i*10 + 5)
		if m.BoilerTempC != want {
			t.Fatalf("bucket %d median = %v, want %v", i, m.BoilerTempC, want)
		}
	}
}

func TestStartStopWriterFlushesBuffer(t *testing.T) {
	s := openTestStore(t)
	s.WriteMeasurementEnqueue(types.Measurement{TimeMs: 10, BoilerTempC: 1})
	s.StartWriter(50 * time.Millisecond)
	s.StopWriter()

	got, err := s.queryMeasurements(0, 1000)
	if err != nil {
		t.Fatalf("queryMeasurements: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1 row persisted after StopWriter", len(got))
	}
}
