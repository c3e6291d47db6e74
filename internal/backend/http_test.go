package backend

import (
	"net/http"
	"testing"

	"github.com/objectmount/fusecache/internal/filedata"
)

func TestIsTransientClassifiesConnectionErrorsAsTransient(t *testing.T) {
	err := &filedata.ConnectionError{}
	if !isTransient(err) {
		t.Fatal("connection errors must be retried")
	}
}

func TestIsTransientClassifies5xxAsTransient(t *testing.T) {
	err := &filedata.EndpointError{Status: http.StatusServiceUnavailable}
	if !isTransient(err) {
		t.Fatal("503 must be retried")
	}
}

func TestIsTransientClassifiesClientErrorsAsPermanent(t *testing.T) {
	cases := []int{http.StatusForbidden, http.StatusNotFound, http.StatusBadRequest}
	for _, status := range cases {
		err := &filedata.EndpointError{Status: status}
		if isTransient(err) {
			t.Fatalf("status %d must not be retried", status)
		}
	}
}

func TestIsTransientClassifiesOtherErrorsAsPermanent(t *testing.T) {
	if isTransient(filedata.ErrOutOfRange) {
		t.Fatal("an unrelated error must not be treated as transient")
	}
}

func TestMemoryBackendRoundTrip(t *testing.T) {
	b := NewMemoryBackend(4, nil)
	if b.BackendExists() {
		t.Fatal("fresh backend must not exist yet")
	}
	if err := b.FlushPageList(nil, 0, [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}}); err != nil {
		t.Fatalf("FlushPageList: %v", err)
	}
	if !b.BackendExists() {
		t.Fatal("backend must exist after a flush")
	}
	if b.BackendSize() != 8 {
		t.Fatalf("BackendSize() = %d, want 8", b.BackendSize())
	}
}
