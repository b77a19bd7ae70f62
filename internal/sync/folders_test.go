package sync_test

import (
	"testing"

	"syftsync/internal/sync"
)

func TestSanitizeEmail(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{"alice@example.com", "alice_at_example_com"},
		{"bob.smith@mail.co.uk", "bob_smith_at_mail_co_uk"},
		{"no-dots@host", "no-dots_at_host"},
	}
	for _, tt := range tests {
		if got := sync.SanitizeEmail(tt.email); got != tt.want {
			t.Errorf("SanitizeEmail(%q) = %q, want %q", tt.email, got, tt.want)
		}
	}
}

func TestFolderNames(t *testing.T) {
	// Both peers derive these names independently; the exact strings are
	// wire-level and must never change.
	sender := "alice@example.com"
	recipient := "bob@example.com"

	if got, want := sync.OutboxFolder(sender, recipient), "syft_alice_at_example_com_to_bob_at_example_com_outbox_inbox"; got != want {
		t.Errorf("OutboxFolder = %q, want %q", got, want)
	}
	if got, want := sync.PendingFolder(sender, recipient), "syft_alice_at_example_com_to_bob_at_example_com_pending"; got != want {
		t.Errorf("PendingFolder = %q, want %q", got, want)
	}
	if got, want := sync.ArchiveFolder(sender, recipient), "syft_alice_at_example_com_to_bob_at_example_com_archive"; got != want {
		t.Errorf("ArchiveFolder = %q, want %q", got, want)
	}
}

func TestFoldersFor(t *testing.T) {
	set := sync.FoldersFor("a@x.io", "b@y.io")
	if set.OutboxInbox != sync.OutboxFolder("a@x.io", "b@y.io") {
		t.Errorf("OutboxInbox = %q", set.OutboxInbox)
	}
	if set.Pending != sync.PendingFolder("a@x.io", "b@y.io") {
		t.Errorf("Pending = %q", set.Pending)
	}
	if set.Archive != sync.ArchiveFolder("a@x.io", "b@y.io") {
		t.Errorf("Archive = %q", set.Archive)
	}
}

func TestParseOutboxFolder(t *testing.T) {
	recipientToken := sync.SanitizeEmail("bob@example.com")

	tests := []struct {
		name       string
		folder     string
		wantSender string
		wantOK     bool
	}{
		{
			name:       "valid outbox",
			folder:     "syft_alice_at_example_com_to_bob_at_example_com_outbox_inbox",
			wantSender: "alice_at_example_com",
			wantOK:     true,
		},
		{
			name:   "pending folder is not an inbox",
			folder: "syft_alice_at_example_com_to_bob_at_example_com_pending",
		},
		{
			name:   "archive folder is not an inbox",
			folder: "syft_alice_at_example_com_to_bob_at_example_com_archive",
		},
		{
			name:   "addressed to someone else",
			folder: "syft_alice_at_example_com_to_carol_at_example_com_outbox_inbox",
		},
		{
			name:   "missing prefix",
			folder: "alice_at_example_com_to_bob_at_example_com_outbox_inbox",
		},
		{
			name:   "empty sender token",
			folder: "syft__to_bob_at_example_com_outbox_inbox",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender, ok := sync.ParseOutboxFolder(tt.folder, recipientToken)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if sender != tt.wantSender {
				t.Errorf("sender = %q, want %q", sender, tt.wantSender)
			}
		})
	}
}
