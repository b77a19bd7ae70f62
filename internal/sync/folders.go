package sync

import "strings"

// Mailbox folder naming. These names are wire-level: both peers must derive
// the same names independently, so the scheme must not change.
//
//	syft_{sender}_to_{recipient}_outbox_inbox
//	syft_{sender}_to_{recipient}_pending
//	syft_{sender}_to_{recipient}_archive
//
// Emails are sanitized with @ -> _at_ and . -> _ because most media disallow
// those characters in folder names.

const (
	folderPrefix       = "syft_"
	suffixOutboxInbox  = "_outbox_inbox"
	suffixPending      = "_pending"
	suffixArchive      = "_archive"
	folderSenderJoiner = "_to_"
)

// SanitizeEmail converts an email into a folder-name-safe token.
func SanitizeEmail(email string) string {
	s := strings.ReplaceAll(email, "@", "_at_")
	return strings.ReplaceAll(s, ".", "_")
}

func folderBase(sender, recipient string) string {
	return folderPrefix + SanitizeEmail(sender) + folderSenderJoiner + SanitizeEmail(recipient)
}

// OutboxFolder names the folder the sender writes to and the recipient reads
// from.
func OutboxFolder(sender, recipient string) string {
	return folderBase(sender, recipient) + suffixOutboxInbox
}

// PendingFolder names the sender-private staging folder, not yet visible to
// the recipient.
func PendingFolder(sender, recipient string) string {
	return folderBase(sender, recipient) + suffixPending
}

// ArchiveFolder names the recipient-owned dump of consumed messages.
func ArchiveFolder(sender, recipient string) string {
	return folderBase(sender, recipient) + suffixArchive
}

// ParseOutboxFolder extracts the sanitized sender token from an outbox_inbox
// folder addressed to recipientToken. Returns ok=false for any other folder.
func ParseOutboxFolder(name, recipientToken string) (senderToken string, ok bool) {
	if !strings.HasPrefix(name, folderPrefix) || !strings.HasSuffix(name, suffixOutboxInbox) {
		return "", false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(name, folderPrefix), suffixOutboxInbox)
	wantTail := folderSenderJoiner + recipientToken
	if !strings.HasSuffix(body, wantTail) {
		return "", false
	}
	senderToken = strings.TrimSuffix(body, wantTail)
	if senderToken == "" {
		return "", false
	}
	return senderToken, true
}

// FolderSet bundles the three folder names for one directed peer pair.
type FolderSet struct {
	Pending     string
	OutboxInbox string
	Archive     string
}

// FoldersFor returns the folder set for messages flowing sender -> recipient.
func FoldersFor(sender, recipient string) FolderSet {
	return FolderSet{
		Pending:     PendingFolder(sender, recipient),
		OutboxInbox: OutboxFolder(sender, recipient),
		Archive:     ArchiveFolder(sender, recipient),
	}
}
