package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atalantalabs/atalanta/internal/domain"
)

type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemBlob() *memBlob {
	return &memBlob{objects: make(map[string][]byte)}
}

func (m *memBlob) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	if m.putErr != nil {
		return m.putErr
	}
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = buf
	return nil
}

func (m *memBlob) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}

func (m *memBlob) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var infos []domain.BlobInfo
	for path, buf := range m.objects {
		if strings.HasPrefix(path, prefix) {
			infos = append(infos, domain.BlobInfo{Path: path, Size: int64(len(buf))})
		}
	}
	return infos, nil
}

func (m *memBlob) Exists(ctx context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

type archiveExecStore struct {
	domain.ExecutionStore
	recs    []domain.ExecutionRecord
	deleted bool
}

func (s *archiveExecStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.ExecutionRecord, error) {
	return s.recs, nil
}

func (s *archiveExecStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	s.deleted = true
	return int64(len(s.recs)), nil
}

type archiveOppStore struct {
	domain.OpportunityStore
	opps    []domain.Opportunity
	deleted bool
}

func (s *archiveOppStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.Opportunity, error) {
	return s.opps, nil
}

func (s *archiveOppStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	s.deleted = true
	return int64(len(s.opps)), nil
}

func TestArchiveExecutionsUploadsThenPrunes(t *testing.T) {
	blob := newMemBlob()
	execs := &archiveExecStore{recs: []domain.ExecutionRecord{
		{ID: "exec-1", State: domain.ExecSettled, RealizedETH: 0.02},
		{ID: "exec-2", State: domain.ExecFailed, FailReason: "slippage"},
	}}
	a := NewArchiver(blob, blob, execs, nil, nil)

	cutoff := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	n, err := a.ArchiveExecutions(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("ArchiveExecutions: %v", err)
	}
	if n != 2 {
		t.Fatalf("archived = %d, want 2", n)
	}
	if !execs.deleted {
		t.Fatalf("rows were not pruned after upload")
	}

	rc, err := blob.Get(context.Background(), "archive/executions/2026-08.jsonl")
	if err != nil {
		t.Fatalf("archive object missing: %v", err)
	}
	defer rc.Close()
	var lines int
	sc := bufio.NewScanner(rc)
	for sc.Scan() {
		lines++
	}
	if lines != 2 {
		t.Fatalf("jsonl lines = %d, want 2", lines)
	}
}

func TestArchiveUploadFailureSkipsPrune(t *testing.T) {
	blob := newMemBlob()
	blob.putErr = fmt.Errorf("bucket unavailable")
	execs := &archiveExecStore{recs: []domain.ExecutionRecord{{ID: "exec-1"}}}
	a := NewArchiver(blob, blob, execs, nil, nil)

	if _, err := a.ArchiveExecutions(context.Background(), time.Now()); err == nil {
		t.Fatalf("expected upload error")
	}
	if execs.deleted {
		t.Fatalf("rows pruned despite failed upload")
	}
}

func TestArchiveOpportunitiesEmptyIsNoop(t *testing.T) {
	blob := newMemBlob()
	opps := &archiveOppStore{}
	a := NewArchiver(blob, blob, nil, opps, nil)

	n, err := a.ArchiveOpportunities(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ArchiveOpportunities: %v", err)
	}
	if n != 0 {
		t.Fatalf("archived = %d, want 0", n)
	}
	if opps.deleted {
		t.Fatalf("prune ran with nothing archived")
	}
	if infos, _ := blob.List(context.Background(), "archive/"); len(infos) != 0 {
		t.Fatalf("objects written for empty archive")
	}
}
