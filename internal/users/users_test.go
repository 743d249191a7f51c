package users

import (
	"fmt"
	"strings"
	"testing"
)

func TestNewCredentialsValidation(t *testing.T) {
	t.Parallel()
	if _, err := NewCredentials("", "pw"); err == nil {
		t.Fatal("expected error for empty username")
	}
	if _, err := NewCredentials("alice", ""); err == nil {
		t.Fatal("expected error for empty password")
	}
	c, err := NewCredentials("alice", "hunter2")
	if err != nil {
		t.Fatalf("NewCredentials: %v", err)
	}
	if c.Username != "alice" || c.Password() != "hunter2" {
		t.Fatalf("unexpected credentials: %+v", c)
	}
}

func TestCredentialsNeverPrintPassword(t *testing.T) {
	t.Parallel()
	c, _ := NewCredentials("alice", "hunter2")
	for _, rendered := range []string{
		c.String(),
		fmt.Sprintf("%v", c),
		fmt.Sprintf("%+v", c),
		fmt.Sprintf("%#v", c),
	} {
		if strings.Contains(rendered, "hunter2") {
			t.Fatalf("password leaked: %q", rendered)
		}
	}
}

func TestParseUrlAction(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    UrlAction
		wantErr bool
	}{
		{in: "0", want: ActionDefault},
		{in: "1", want: ActionNotify},
		{in: "2", want: ActionEnroll},
		{in: "3", wantErr: true},
		{in: "notify", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseUrlAction(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseUrlAction(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("ParseUrlAction(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestDirectorySnapshotIsolation(t *testing.T) {
	t.Parallel()
	d := NewDirectory()
	c, _ := NewCredentials("alice", "hunter2")
	if updated := d.SetCredentials(7, c); updated {
		t.Fatal("first SetCredentials reported an update")
	}

	snap := d.Snapshot(7)
	if snap.Credentials == nil || snap.Credentials.Username != "alice" {
		t.Fatalf("snapshot = %+v", snap)
	}

	// replacing the stored pair must not affect the earlier snapshot
	c2, _ := NewCredentials("bob", "secret")
	if updated := d.SetCredentials(7, c2); !updated {
		t.Fatal("second SetCredentials did not report an update")
	}
	if snap.Credentials.Username != "alice" || snap.Credentials.Password() != "hunter2" {
		t.Fatalf("snapshot mutated: %+v", snap.Credentials)
	}

	if existed := d.ClearCredentials(7); !existed {
		t.Fatal("ClearCredentials did not find the pair")
	}
	if existed := d.ClearCredentials(7); existed {
		t.Fatal("second ClearCredentials found a pair")
	}
	if d.Snapshot(7).Credentials != nil {
		t.Fatal("credentials survived ClearCredentials")
	}
}

func TestDirectoryUrlAction(t *testing.T) {
	t.Parallel()
	d := NewDirectory()
	if got := d.Snapshot(1).UrlAction; got != ActionDefault {
		t.Fatalf("default action = %v", got)
	}
	d.SetUrlAction(1, ActionEnroll)
	if got := d.Snapshot(1).UrlAction; got != ActionEnroll {
		t.Fatalf("action = %v", got)
	}
	// another operator keeps the default
	if got := d.Snapshot(2).UrlAction; got != ActionDefault {
		t.Fatalf("action leaked across operators: %v", got)
	}
}
