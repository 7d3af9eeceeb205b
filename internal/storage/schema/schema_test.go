package schema

import "testing"

func TestDDLStatementsCreatesBothChains(t *testing.T) {
	create, refresh := DDLStatements(28)
	if len(create) == 0 {
		t.Fatalf("expected create statements")
	}
	if len(refresh) != len(ArchiveChain)-1+len(LiveChain)-1 {
		t.Fatalf("expected one refresh per roll-up view, got %d", len(refresh))
	}
}

func TestCompressedChunkBytesWithinBounds(t *testing.T) {
	bytes := compressedChunkBytes(28)
	minBytes := 1e6 * compressedAggregateRowBytes
	maxBytes := 1e9 / 26
	if bytes < minBytes || bytes > maxBytes {
		t.Fatalf("compressedChunkBytes(28) = %f, want in [%f, %f]", bytes, minBytes, maxBytes)
	}
}

func TestCompressedChunkBytesScalesWithMemory(t *testing.T) {
	small := compressedChunkBytes(1)
	large := compressedChunkBytes(256)
	if large < small {
		t.Fatalf("expected chunk byte budget to grow with memory: small=%f large=%f", small, large)
	}
}
