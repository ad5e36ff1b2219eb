package benchmarks

import (
	"path/filepath"
	"testing"

	"github.com/randalmurphal/sitebus/pkg/sitebus/archive"
	"github.com/randalmurphal/sitebus/pkg/sitebus/envelope"
)

func reading(i int) *envelope.Package {
	return envelope.NewDataPackage("labjack", map[string]any{
		"ain0": float64(i),
		"ain1": float64(i) * 2,
		"ain2": float64(i) * 3,
	})
}

var readingMetadata = envelope.Metadata{
	"ain0": {Type: "float"},
	"ain1": {Type: "float"},
	"ain2": {Type: "float"},
}

// BenchmarkMemoryArchiver_Accept measures in-memory archiving.
func BenchmarkMemoryArchiver_Accept(b *testing.B) {
	a := archive.NewMemoryArchiver()
	if err := a.CreateChannel("labjack", envelope.ChannelData, readingMetadata); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = a.Accept(reading(i))
	}
}

// BenchmarkSQLiteArchiver_Accept measures synchronous SQLite archiving.
func BenchmarkSQLiteArchiver_Accept(b *testing.B) {
	a := openSQLite(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = a.Accept(reading(i))
	}
}

// BenchmarkSQLiteArchiver_Query measures a filtered read over 1000 rows.
func BenchmarkSQLiteArchiver_Query(b *testing.B) {
	a := openSQLite(b)
	for i := 0; i < 1000; i++ {
		if err := a.Accept(reading(i)); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = a.Packages(archive.Filter{Channel: envelope.ChannelData, Limit: 100})
	}
}

func openSQLite(b *testing.B) *archive.SQLiteArchiver {
	b.Helper()
	a, err := archive.NewSQLiteArchiver(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = a.Close() })
	if err := a.CreateChannel("labjack", envelope.ChannelData, readingMetadata); err != nil {
		b.Fatal(err)
	}
	return a
}
