package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"relaybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memRefs struct {
	mu sync.Mutex
	m  map[string]string
}

func (r *memRefs) MirrorRef(ctx context.Context, userID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m[userID], nil
}

func (r *memRefs) SaveMirrorRef(ctx context.Context, userID, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[userID] = ref
	return nil
}

func newTestChatwoot(t *testing.T, handler http.HandlerFunc) (*Chatwoot, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewChatwoot(ChatwootConfig{
		APIURL:      srv.URL,
		AccountID:   "7",
		InboxID:     "3",
		AccessToken: "secret",
		Refs:        &memRefs{m: make(map[string]string)},
		Logger:      testLogger(),
	})
	return c, srv
}

func TestEnsureConversationCreatesOnce(t *testing.T) {
	var creates int
	c, _ := newTestChatwoot(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/accounts/7/conversations" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if tok := r.Header.Get("api_access_token"); tok != "secret" {
			t.Errorf("unexpected token %q", tok)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["inbox_id"] != "3" || body["source_id"] != "u1" {
			t.Errorf("unexpected body %+v", body)
		}
		creates++
		fmt.Fprint(w, `{"id": 42}`)
	})

	ctx := context.Background()
	ref, err := c.EnsureConversation(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if ref != "42" {
		t.Fatalf("expected ref 42, got %q", ref)
	}

	// Second call must come from cache, not the API.
	ref2, err := c.EnsureConversation(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if ref2 != "42" || creates != 1 {
		t.Fatalf("expected 1 create, got %d (ref %q)", creates, ref2)
	}
}

func TestEnsureConversationUsesRefStore(t *testing.T) {
	var creates int
	refs := &memRefs{m: map[string]string{"u1": "99"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creates++
		fmt.Fprint(w, `{"id": 1}`)
	}))
	defer srv.Close()

	c := NewChatwoot(ChatwootConfig{
		APIURL: srv.URL, AccountID: "7", InboxID: "3", AccessToken: "x",
		Refs: refs, Logger: testLogger(),
	})

	ref, err := c.EnsureConversation(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if ref != "99" || creates != 0 {
		t.Fatalf("persisted ref not used: ref=%q creates=%d", ref, creates)
	}
}

func TestSendText(t *testing.T) {
	c, _ := newTestChatwoot(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/accounts/7/conversations/42/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["content"] != "hello" || body["message_type"] != "incoming" {
			t.Errorf("unexpected body %+v", body)
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := c.SendText(context.Background(), "42", "hello", domain.DirIncoming); err != nil {
		t.Fatal(err)
	}
}

func TestSendTextAPIError(t *testing.T) {
	c, _ := newTestChatwoot(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
	if err := c.SendText(context.Background(), "42", "hello", domain.DirOutgoing); err == nil {
		t.Fatal("expected error on 401")
	}
}

func TestSendAttachmentMultipart(t *testing.T) {
	c, _ := newTestChatwoot(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("not multipart: %v", err)
		}
		if got := r.FormValue("message_type"); got != "outgoing" {
			t.Errorf("message_type = %q", got)
		}
		f, hdr, err := r.FormFile("attachments[]")
		if err != nil {
			t.Fatalf("no attachment: %v", err)
		}
		defer f.Close()
		if hdr.Filename != "cat.png" {
			t.Errorf("filename = %q", hdr.Filename)
		}
		data, _ := io.ReadAll(f)
		if string(data) != "png-bytes" {
			t.Errorf("payload = %q", data)
		}
		w.WriteHeader(http.StatusOK)
	})

	err := c.SendAttachment(context.Background(), "42", []byte("png-bytes"), "cat.png", domain.DirOutgoing)
	if err != nil {
		t.Fatal(err)
	}
}
