package ctfd

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(ClientConfig{BaseURL: srv.URL, Token: "secret-token"}, logger)
}

func TestListChallenges(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/challenges" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Token secret-token" {
			t.Errorf("auth header = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": []map[string]any{
				{"id": 1, "name": "web_baby", "category": "web", "value": 100},
				{"id": 2, "name": "pwn_intro", "category": "pwn", "value": 200, "solved_by_me": true},
			},
		})
	})

	c := newTestClient(t, handler)
	challenges, err := c.ListChallenges(context.Background())
	if err != nil {
		t.Fatalf("ListChallenges: %v", err)
	}
	if len(challenges) != 2 {
		t.Fatalf("got %d challenges", len(challenges))
	}
	if challenges[0].Name != "web_baby" || challenges[1].SolvedByMe != true {
		t.Errorf("challenges = %+v", challenges)
	}
}

func TestGetChallengeDetail(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/challenges/7" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"id": 7, "name": "rev_me", "description": "reverse it",
				"connection_info": "nc chal.example.com 1337",
				"files":           []string{"/files/ab/rev_me.tar.gz?token=x"},
				"hints":           []map[string]any{{"id": 3}, {"id": 4}},
			},
		})
	})

	c := newTestClient(t, handler)
	ch, err := c.GetChallenge(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetChallenge: %v", err)
	}
	if ch.Name != "rev_me" || ch.ConnectionInfo != "nc chal.example.com 1337" {
		t.Errorf("challenge = %+v", ch)
	}
	if len(ch.Files) != 1 || len(ch.HintIDs) != 2 || ch.HintIDs[1] != 4 {
		t.Errorf("files = %v, hints = %v", ch.Files, ch.HintIDs)
	}
}

func TestSubmitFlag(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/challenges/attempt" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["submission"] != "flag{try_me}" {
			t.Errorf("submission = %v", body["submission"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"status": "correct", "message": "Correct"},
		})
	})

	c := newTestClient(t, handler)
	res, err := c.SubmitFlag(context.Background(), 7, "flag{try_me}")
	if err != nil {
		t.Fatalf("SubmitFlag: %v", err)
	}
	if !res.Correct() {
		t.Errorf("result = %+v", res)
	}
}

func TestSubmitFlagIncorrect(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"status": "incorrect", "message": "Incorrect"},
		})
	})

	c := newTestClient(t, handler)
	res, err := c.SubmitFlag(context.Background(), 7, "flag{nope}")
	if err != nil {
		t.Fatal(err)
	}
	if res.Correct() {
		t.Error("incorrect must not count as correct")
	}
}

func TestAPIErrorSurfaces(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "paused"})
	})

	c := newTestClient(t, handler)
	if _, err := c.ListChallenges(context.Background()); err == nil {
		t.Fatal("expected api error")
	}
}

func TestHTTPErrorSurfaces(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	})

	c := newTestClient(t, handler)
	if _, err := c.ListChallenges(context.Background()); err == nil {
		t.Fatal("expected http error")
	}
}

func TestDownloadFile(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files/ab/chall.zip" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte("zip bytes"))
	})

	c := newTestClient(t, handler)
	dir := t.TempDir()
	dest, err := c.DownloadFile(context.Background(), "/files/ab/chall.zip?token=x", dir)
	if err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	if filepath.Base(dest) != "chall.zip" {
		t.Errorf("dest = %s", dest)
	}
	data, err := os.ReadFile(dest)
	if err != nil || string(data) != "zip bytes" {
		t.Errorf("content = %q, err %v", data, err)
	}
}

func TestFileName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/files/ab/chall.zip?token=x", "chall.zip"},
		{"https://ctf.example.com/files/x/binary", "binary"},
		{"", "attachment"},
	}
	for _, tt := range tests {
		if got := fileName(tt.in); got != tt.want {
			t.Errorf("fileName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGetSolves(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/users/me/solves" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": []map[string]any{
				{"challenge_id": 3, "type": "correct"},
				{"challenge_id": 9, "type": "correct"},
			},
		})
	})

	c := newTestClient(t, handler)
	solves, err := c.GetSolves(context.Background())
	if err != nil {
		t.Fatalf("GetSolves: %v", err)
	}
	if len(solves) != 2 || solves[0].ChallengeID != 3 || solves[1].ChallengeID != 9 {
		t.Errorf("solves = %+v", solves)
	}
}
