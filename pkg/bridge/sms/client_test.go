package sms

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := New(Config{
		BaseURL:    server.URL,
		AccountSID: "AC123",
		AuthToken:  "secret",
		FromNumber: "+15550001111",
	}, server.Client())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return client, server
}

func TestSend(t *testing.T) {
	t.Parallel()

	var gotPath, gotFrom, gotTo, gotBody string
	var gotUser, gotPass string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotFrom = r.PostFormValue("From")
		gotTo = r.PostFormValue("To")
		gotBody = r.PostFormValue("Body")
		w.WriteHeader(http.StatusCreated)
	})

	err := client.Send(context.Background(), "+15552223333", "Rate summary attached.")
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}

	if gotPath != "/api/laml/2010-04-01/Accounts/AC123/Messages.json" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotUser != "AC123" || gotPass != "secret" {
		t.Fatalf("basic auth = %q/%q", gotUser, gotPass)
	}
	if gotFrom != "+15550001111" || gotTo != "+15552223333" {
		t.Fatalf("From/To = %q/%q", gotFrom, gotTo)
	}
	if gotBody != "Rate summary attached." {
		t.Fatalf("Body = %q", gotBody)
	}
}

func TestSend_ErrorStatus(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid to number", http.StatusBadRequest)
	})

	err := client.Send(context.Background(), "+15552223333", "hi")
	if err == nil {
		t.Fatal("Send succeeded against failing endpoint")
	}
}

func TestSend_Validation(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the server")
	})

	if err := client.Send(context.Background(), "", "hi"); err == nil {
		t.Fatal("Send accepted empty recipient")
	}
	if err := client.Send(context.Background(), "+15552223333", " "); err == nil {
		t.Fatal("Send accepted blank body")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{AccountSID: "a", AuthToken: "b", FromNumber: "c"}, nil); err == nil {
		t.Fatal("New accepted empty base URL")
	}
	if _, err := New(Config{BaseURL: "http://x", AuthToken: "b", FromNumber: "c"}, nil); err == nil {
		t.Fatal("New accepted empty account sid")
	}
}
