package safety

import (
	"errors"
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
)

func TestObjectPath(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "a.jpg", want: "a.jpg"},
		{name: "media/2024/a.jpg", want: "media/2024/a.jpg"},
		{name: "/leading/slash.txt", want: "leading/slash.txt"},
		{name: `win\style\name.txt`, want: "win/style/name.txt"},
		{name: "a//b/./c.txt", want: "a/b/c.txt"},
		{name: "../escape.txt", wantErr: true},
		{name: "media/../../escape.txt", wantErr: true},
		{name: `..\escape.txt`, wantErr: true},
		{name: "", wantErr: true},
		{name: "/", wantErr: true},
		{name: "big.bacpac.partial", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ObjectPath(root, tt.name)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ObjectPath(%q) = %q, want error", tt.name, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ObjectPath(%q) returned error: %v", tt.name, err)
			continue
		}
		want := filepath.Join(root, filepath.FromSlash(tt.want))
		if got != want {
			t.Errorf("ObjectPath(%q) = %q, want %q", tt.name, got, want)
		}
	}
}

func TestEnsureUnderRoot(t *testing.T) {
	root := t.TempDir()
	if _, err := EnsureUnderRoot(root, root+"/child/file.txt"); err != nil {
		t.Fatalf("EnsureUnderRoot failed for child path: %v", err)
	}
	if _, err := EnsureUnderRoot(root, root+"/../escape"); err == nil {
		t.Fatal("expected escape path to fail")
	}
	if _, err := EnsureUnderRoot(root, root); err == nil {
		t.Fatal("expected root itself to be rejected as a file target")
	}
}

func TestSafeFileName(t *testing.T) {
	got, err := SafeFileName("/exports/epicms_2024.bacpac")
	if err != nil || got != "epicms_2024.bacpac" {
		t.Fatalf("SafeFileName = %q, %v", got, err)
	}
	if _, err := SafeFileName("/"); err == nil {
		t.Fatal("expected error for bare slash")
	}
}

func TestReadAllWithLimit(t *testing.T) {
	_, err := ReadAllWithLimit(strings.NewReader("abc"), 2)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}

	data, err := ReadAllWithLimit(io.NopCloser(strings.NewReader("abc")), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "abc" {
		t.Fatalf("unexpected data: %q", string(data))
	}
}

func TestValidateDownloadURL(t *testing.T) {
	ok := []string{
		"https://acct.blob.core.windows.net/exports/db.bacpac?sig=x",
		"http://127.0.0.1:8080/db.bacpac",
		"http://localhost/db.bacpac",
	}
	for _, raw := range ok {
		if _, err := ValidateDownloadURL(raw); err != nil {
			t.Errorf("ValidateDownloadURL(%q) returned error: %v", raw, err)
		}
	}
	bad := []string{
		"http://example.com/db.bacpac",
		"ftp://example.com/db.bacpac",
		"https://user:pw@example.com/db.bacpac",
		"https:///nohost",
	}
	for _, raw := range bad {
		if _, err := ValidateDownloadURL(raw); err == nil {
			t.Errorf("ValidateDownloadURL(%q) expected error", raw)
		}
	}
}

func TestRedactURL(t *testing.T) {
	u, _ := url.Parse("https://acct.blob.core.windows.net/c/db.bacpac?sv=1&sig=secret")
	got := RedactURL(u)
	if strings.Contains(got, "secret") {
		t.Fatalf("RedactURL leaked the token: %s", got)
	}
}
